package mcp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// ServerDefinition describes how to launch one tool server. It is
// produced by configuration and never modified by this package.
type ServerDefinition struct {
	// Name is the unique key for the server.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds environment overrides layered on top of the current
	// process environment.
	Env map[string]string

	// Dir is the working directory. Empty means inherit.
	Dir string
}

// stderrTailLines is how many trailing stderr lines a Process keeps
// for exit diagnostics.
const stderrTailLines = 20

// stderrDrainTimeout bounds how long an exited process's stderr is
// read before the exit is reported.
const stderrDrainTimeout = time.Second

// ExitStatus describes how a server process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was killed by a signal.
	Code int
	// Description is a human-readable summary ("exit status 3",
	// "signal: killed").
	Description string
}

// Process is a running server child process with its stdio pipes.
// Stdin and Stdout are handed to a [Conn]; nothing else may touch them.
type Process struct {
	def    ServerDefinition
	logger *slog.Logger
	cmd    *exec.Cmd

	// Stdin is the write side of the child's standard input.
	Stdin io.WriteCloser
	// Stdout is the read side of the child's standard output.
	Stdout io.ReadCloser

	stderr     *os.File
	stderrDone chan struct{}
	exited     chan struct{}
	done       chan struct{}
	exit       ExitStatus

	tailMu sync.Mutex
	tail   []string

	closeOnce sync.Once
	termOnce  sync.Once
}

// Spawn launches the server described by def. Standard input and
// output are wired as the protocol channel; standard error is drained
// into the logger. The process lifetime is independent of any call
// context and only ends through Terminate or by exiting on its own.
func Spawn(def ServerDefinition, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if def.Command == "" {
		return nil, &SpawnError{Server: def.Name, Command: def.Command, Err: fmt.Errorf("empty command")}
	}

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = mergeEnv(os.Environ(), def.Env)
	cmd.Dir = def.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Command: def.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	// os.Pipe instead of StdoutPipe: Wait closes StdoutPipe's read end
	// as soon as the child exits, which would discard responses the
	// reader has not consumed yet.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Server: def.Name, Command: def.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Server: def.Name, Command: def.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Server: def.Name, Command: def.Command, Err: err}
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		def:        def,
		logger:     logger,
		cmd:        cmd,
		Stdin:      stdin,
		Stdout:     stdoutR,
		stderr:     stderrR,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	go p.drainStderr()
	go p.wait()

	logger.Info("tool server process started",
		"command", def.Command,
		"args", def.Args,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed as soon as the process has been reaped. The exit
// status is available from then on.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Done is closed after Exited once the stderr tail has been collected,
// or after stderrDrainTimeout if a grandchild keeps stderr open.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit blocks until the process has been reaped and returns its status.
func (p *Process) Exit() ExitStatus {
	<-p.exited
	return p.exit
}

// StderrTail returns the most recent stderr lines, oldest first.
func (p *Process) StderrTail() []string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// Terminate shuts the process down: close stdin so a well-behaved
// server exits on EOF, wait up to grace, then kill. Pipe descriptors
// are released on return. Safe to call more than once and after the
// process has already exited.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		p.Stdin.Close()

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warn("tool server did not exit gracefully, killing",
				"pid", p.cmd.Process.Pid,
				"grace", grace.String(),
			)
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	p.Close()
}

// Kill sends SIGKILL without waiting. The exit is observed through Done.
func (p *Process) Kill() {
	_ = p.cmd.Process.Kill()
}

// Close releases the pipe descriptors held by the parent. It does not
// signal the process.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		p.Stdin.Close()
		p.Stdout.Close()
		p.stderr.Close()
	})
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	switch {
	case state != nil:
		p.exit = ExitStatus{Code: state.ExitCode(), Description: state.String()}
	case err != nil:
		p.exit = ExitStatus{Code: -1, Description: err.Error()}
	}
	close(p.exited)

	// Collect the last stderr lines before closing done. A
	// grandchild may hold the pipe open, so don't wait forever.
	select {
	case <-p.stderrDone:
	case <-time.After(stderrDrainTimeout):
	}
	close(p.done)
}

// drainStderr logs stderr lines at debug level and keeps a short tail.
func (p *Process) drainStderr() {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("tool server stderr", "line", line)

		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
	}
}

// mergeEnv overlays overrides onto base. Override keys are applied in
// sorted order so the resulting environment is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, ok := overrides[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
