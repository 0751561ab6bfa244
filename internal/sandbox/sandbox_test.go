package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestProcessExecuteCapturesOutput(t *testing.T) {
	p := NewProcess(ProcessOptions{Root: t.TempDir(), Interpreter: "/bin/sh"})
	res, err := p.Execute(context.Background(), CodeBundle{Source: "echo hello; echo $HOME", Entry: "run.sh"}, Limits{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || !strings.HasPrefix(res.Output, "hello") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Contains(res.Output, "/root\n") {
		t.Fatalf("expected isolated HOME, got %q", res.Output)
	}
}

func TestProcessExecuteReportsExitCode(t *testing.T) {
	p := NewProcess(ProcessOptions{Root: t.TempDir(), Interpreter: "/bin/sh"})
	res, err := p.Execute(context.Background(), CodeBundle{Source: "echo boom >&2; exit 3", Entry: "run.sh"}, Limits{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.ExitCode != 3 || !strings.Contains(res.Error, "boom") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessExecuteTimesOut(t *testing.T) {
	p := NewProcess(ProcessOptions{Root: t.TempDir(), Interpreter: "/bin/sh"})
	res, err := p.Execute(context.Background(), CodeBundle{Source: "exec sleep 5", Entry: "run.sh"}, Limits{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.TimedOut || res.Success {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestProcessSelfTest(t *testing.T) {
	if !NewProcess(ProcessOptions{Root: t.TempDir(), Interpreter: "/bin/sh"}).SelfTest(context.Background()) {
		t.Fatalf("expected /bin/sh self test to pass")
	}
	if NewProcess(ProcessOptions{Root: t.TempDir(), Interpreter: "definitely-not-installed"}).SelfTest(context.Background()) {
		t.Fatalf("expected missing interpreter to fail self test")
	}
}
