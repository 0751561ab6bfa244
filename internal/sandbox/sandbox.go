package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CodeBundle struct {
	Source string
	// Entry is the file name the source is written to inside the sandbox.
	Entry string
	Args  []string
	Env   map[string]string
	Stdin []byte
}

type Limits struct {
	Timeout     time.Duration
	MemoryMB    int
	CPUPercent  float64
	NetworkOpen bool
}

type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Runtime  time.Duration
	TimedOut bool
	Killed   bool
}

// Sandbox runs untrusted code under resource limits.
type Sandbox interface {
	Execute(ctx context.Context, code CodeBundle, limits Limits) (Result, error)
	SelfTest(ctx context.Context) bool
}

type ProcessOptions struct {
	Root        string
	Interpreter string
	Timeout     time.Duration
}

// Process runs the bundle with a local interpreter in an isolated working
// directory with a restricted environment and a hard deadline.
type Process struct {
	root        string
	interpreter string
	timeout     time.Duration
}

func NewProcess(opts ProcessOptions) *Process {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = filepath.Join(os.TempDir(), "p2pnet-sandboxes")
	}
	interp := strings.TrimSpace(opts.Interpreter)
	if interp == "" {
		interp = "python3"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Process{root: root, interpreter: interp, timeout: timeout}
}

func (p *Process) Execute(ctx context.Context, code CodeBundle, limits Limits) (Result, error) {
	dir := filepath.Join(p.root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Result{}, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	entry := code.Entry
	if entry == "" {
		entry = "main.py"
	}
	script := filepath.Join(dir, filepath.Base(entry))
	if err := os.WriteFile(script, []byte(code.Source), 0o600); err != nil {
		return Result{}, fmt.Errorf("write sandbox entry: %w", err)
	}

	timeout := limits.Timeout
	if timeout <= 0 || timeout > p.timeout {
		timeout = p.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	args := append([]string{script}, code.Args...)
	cmd := exec.CommandContext(runCtx, p.interpreter, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	for k, v := range code.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(code.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(code.Stdin)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	started := time.Now()
	err := cmd.Run()
	res := Result{
		Output:  out.String(),
		Error:   errOut.String(),
		Runtime: time.Since(started),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Killed = true
		res.ExitCode = -1
		res.Error = strings.TrimSpace(res.Error + "\nsandbox command timed out")
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("sandbox command failed: %w", err)
	}
	res.Success = true
	return res, nil
}

// SelfTest checks that the interpreter can be started.
func (p *Process) SelfTest(ctx context.Context) bool {
	if _, err := exec.LookPath(p.interpreter); err != nil {
		return false
	}
	res, err := p.Execute(ctx, CodeBundle{Source: "", Entry: "selftest"}, Limits{Timeout: 5 * time.Second})
	return err == nil && res.Success
}
