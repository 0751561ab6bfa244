package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/pipeline"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	observability.ConfigureLogging("p2pctl")
	switch os.Args[1] {
	case "run":
		runLocal(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: p2pctl <run|validate|submit> -f task.yaml [...]")
}

func runLocal(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "", "task file (yaml or json)")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall execution timeout")
	_ = fs.Parse(args)

	t := mustLoadTask(*file)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	rep, err := pipeline.New(pipeline.Options{}).Execute(ctx, t)
	if err != nil {
		fatalf("invalid task: %v", err)
	}
	printJSON(rep)
	if !rep.Success {
		os.Exit(2)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", "", "task file (yaml or json)")
	_ = fs.Parse(args)

	t := mustLoadTask(*file)
	if err := t.Validate(); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("task %s (%s) is valid\n", t.ID, t.Type)
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("f", "", "task file (yaml or json)")
	url := fs.String("url", envOr("P2PNET_NODE_URL", "http://localhost:8080"), "node HTTP address")
	timeout := fs.Duration("timeout", 5*time.Minute, "request timeout")
	_ = fs.Parse(args)

	t := mustLoadTask(*file)
	body, err := json.Marshal(t)
	if err != nil {
		fatalf("encode task: %v", err)
	}
	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(strings.TrimRight(*url, "/")+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fatalf("submit failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out p2papi.SubmitTaskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("decode response: %v", err)
	}
	printJSON(out)
	if !out.Success {
		os.Exit(2)
	}
}

func mustLoadTask(path string) *task.Task {
	if strings.TrimSpace(path) == "" {
		fatalf("-f is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		fatalf("read task file: %v", err)
	}
	t, err := decodeTask(path, b)
	if err != nil {
		fatalf("%v", err)
	}
	return t
}

// decodeTask picks the decoder from the file extension; YAML is the default.
func decodeTask(path string, b []byte) (*task.Task, error) {
	var t *task.Task
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		t = &task.Task{}
		if err := json.Unmarshal(b, t); err != nil {
			return nil, fmt.Errorf("parse task json: %w", err)
		}
	} else {
		var err error
		if t, err = task.DecodeYAML(b); err != nil {
			return nil, err
		}
	}
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return t, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
