// ABOUTME: Launcher that runs fleet members as local child processes via os/exec.
// ABOUTME: Output is forwarded line by line to the structured logger.

package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/2389/fleet-gateway/internal/graph"
)

const outputWaitDelay = time.Second

// Exec starts desc.Launch.Command as a child process.
type Exec struct {
	logger *slog.Logger
}

// NewExec creates an exec launcher.
func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger.With("component", "launcher.exec")}
}

// Start runs the command. The process outlives ctx; use Stop to end it.
func (e *Exec) Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error) {
	if len(desc.Launch.Command) == 0 {
		return nil, fmt.Errorf("service %s: exec launch requires a command", desc.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(desc.Launch.Command[0], desc.Launch.Command[1:]...)
	cmd.Dir = desc.Launch.Dir
	cmd.Env = mergeEnv(os.Environ(), desc.Launch.Env, env)

	logger := e.logger.With("service", desc.Name)
	stdout := &lineWriter{logger: logger, level: slog.LevelInfo, stream: "stdout"}
	stderr := &lineWriter{logger: logger, level: slog.LevelWarn, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// grandchildren holding the output pipes must not block Wait forever
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", desc.Name, err)
	}
	logger.Info("process started", "pid", cmd.Process.Pid)

	p := &execProcess{exitState: newExitState(), cmd: cmd}
	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		code := 0
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
			err = nil
		default:
			code = -1
		}
		logger.Info("process exited", "exit_code", code)
		p.finish(code, err)
	}()
	return p, nil
}

type execProcess struct {
	*exitState
	cmd *exec.Cmd
}

// Stop sends SIGTERM, then kills the process if it has not exited by the
// time ctx is done.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling process: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return nil
	}
}

// mergeEnv layers overrides onto base in order; later layers win.
func mergeEnv(base []string, layers ...map[string]string) []string {
	overrides := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			overrides[k] = v
		}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// lineWriter logs each complete line written to it.
type lineWriter struct {
	logger *slog.Logger
	level  slog.Level
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line), "stream", w.stream)
}
