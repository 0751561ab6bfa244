package heartbeat

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

// Source reports the worker's own view of its load.
type Source interface {
	Heartbeat() p2papi.WorkerHeartbeat
}

// Sender delivers a heartbeat to a coordinator.
type Sender interface {
	SendHeartbeat(ctx context.Context, coordinator string, hb p2papi.WorkerHeartbeat) error
}

type Client struct {
	source      Source
	sender      Sender
	coordinator string
	interval    time.Duration
	// utilization is replaceable in tests.
	utilization func() (float64, float64)
}

func New(source Source, sender Sender, coordinator string, interval time.Duration) *Client {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Client{
		source:      source,
		sender:      sender,
		coordinator: coordinator,
		interval:    interval,
		utilization: hostUtilization,
	}
}

func (c *Client) Start(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(ctx); err != nil {
				log.Warn().Str("component", "heartbeat").Str("coordinator", c.coordinator).Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Client) Send(ctx context.Context) error {
	hb := c.source.Heartbeat()
	hb.CPUUtilization, hb.MemoryUtilization = c.utilization()
	return c.sender.SendHeartbeat(ctx, c.coordinator, hb)
}

func hostUtilization() (float64, float64) {
	return cpuUtilizationPercent(), memoryUtilizationPercent()
}

// cpuUtilizationPercent estimates load from /proc/loadavg normalised by cores.
func cpuUtilizationPercent() float64 {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	cpus := float64(runtime.NumCPU())
	if cpus <= 0 {
		cpus = 1
	}
	return clampPercent(v / cpus * 100)
}

func memoryUtilizationPercent() float64 {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB <= 0 {
		return 0
	}
	return clampPercent((totalKB - availKB) / totalKB * 100)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
