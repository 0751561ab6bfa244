package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

var (
	ErrUnreachable = errors.New("node unreachable")
	ErrClosed      = errors.New("transport closed")
)

// Handler receives envelopes addressed to a registered node. Calls for one
// node are made sequentially in arrival order.
type Handler func(ctx context.Context, env p2papi.Envelope)

type Transport interface {
	Send(ctx context.Context, dst string, env p2papi.Envelope) error
	Register(nodeID string, h Handler)
}

const mailboxSize = 1024

// mailbox serialises delivery to one node's handler.
type mailbox struct {
	ch   chan p2papi.Envelope
	done chan struct{}
	once sync.Once
}

func newMailbox(nodeID string, h Handler) *mailbox {
	m := &mailbox{ch: make(chan p2papi.Envelope, mailboxSize), done: make(chan struct{})}
	go func() {
		for {
			select {
			case env := <-m.ch:
				h(context.Background(), env)
			case <-m.done:
				return
			}
		}
	}()
	log.Debug().Str("component", "transport").Str("node_id", nodeID).Msg("node registered")
	return m
}

func (m *mailbox) put(ctx context.Context, env p2papi.Envelope) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- env:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

func dropped(env p2papi.Envelope, dst string, err error) {
	observability.Default.IncCounter("transport_dropped_total", map[string]string{"msg_type": string(env.MsgType)}, 1)
	log.Warn().Str("component", "transport").Str("dst_node", dst).Str("msg_type", string(env.MsgType)).
		Str("msg_id", env.MsgID).Err(err).Msg("message dropped")
}

// Memory connects nodes living in one process.
type Memory struct {
	mu    sync.RWMutex
	boxes map[string]*mailbox
}

func NewMemory() *Memory {
	return &Memory{boxes: make(map[string]*mailbox)}
}

func (m *Memory) Register(nodeID string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.boxes[nodeID]; ok {
		old.close()
	}
	m.boxes[nodeID] = newMailbox(nodeID, h)
}

// Unregister removes a node; later sends to it are dropped.
func (m *Memory) Unregister(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if box, ok := m.boxes[nodeID]; ok {
		box.close()
		delete(m.boxes, nodeID)
	}
}

func (m *Memory) Send(ctx context.Context, dst string, env p2papi.Envelope) error {
	m.mu.RLock()
	box, ok := m.boxes[dst]
	m.mu.RUnlock()
	if !ok {
		dropped(env, dst, ErrUnreachable)
		return ErrUnreachable
	}
	if err := box.put(ctx, env); err != nil {
		dropped(env, dst, err)
		return err
	}
	observability.Default.IncCounter("transport_sent_total", map[string]string{"msg_type": string(env.MsgType)}, 1)
	return nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, box := range m.boxes {
		box.close()
		delete(m.boxes, id)
	}
}
