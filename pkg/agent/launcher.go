package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/connhq/connd/pkg/config"
	"github.com/connhq/connd/pkg/logging"
)

// terminateGrace is how long a process gets between SIGTERM and SIGKILL.
const terminateGrace = 5 * time.Second

// maxStderrCapture bounds how much stderr is kept for error classification.
const maxStderrCapture = 64 * 1024

// CLILauncher starts the configured agent binary in print mode with
// JSON-line streaming output.
type CLILauncher struct {
	cfg config.AgentConfig
	log *logging.Logger
}

// NewCLILauncher creates a launcher for the configured agent binary.
func NewCLILauncher(cfg config.AgentConfig, log *logging.Logger) *CLILauncher {
	if log == nil {
		log = logging.Nop()
	}
	return &CLILauncher{cfg: cfg, log: log}
}

// buildArgs assembles the subprocess argument list for one turn.
func (l *CLILauncher) buildArgs(req TurnRequest) []string {
	args := []string{
		"-p", promptWithImages(req.Prompt, req.ImagePaths),
		"--output-format", "stream-json",
		"--verbose",
	}

	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = l.cfg.MaxTurns
	}
	args = append(args, "--max-turns", strconv.Itoa(maxTurns))

	if !req.DisableTools {
		tools := req.AllowedTools
		if len(tools) == 0 {
			tools = config.DefaultAllowedTools
		}
		tools = append(append([]string{}, tools...), l.cfg.ExternalPatterns...)
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}

	if l.cfg.ExternalConfig != "" {
		args = append(args, "--mcp-config", l.cfg.ExternalConfig)
	}
	if l.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", l.cfg.SystemPrompt)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	return args
}

// promptWithImages prepends attachment pointers to the prompt text. Images
// are passed as file paths, never as inline data.
func promptWithImages(prompt string, imagePaths []string) string {
	if len(imagePaths) == 0 {
		return prompt
	}
	var b strings.Builder
	for _, p := range imagePaths {
		fmt.Fprintf(&b, "[The user attached an image; it is saved at %s]\n", p)
	}
	b.WriteString(prompt)
	return b.String()
}

// Launch starts the agent subprocess and begins streaming its output.
func (l *CLILauncher) Launch(ctx context.Context, req TurnRequest) (ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, l.cfg.Binary, l.buildArgs(req)...)

	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else {
		cmd.Dir = l.cfg.ProjectsRoot
	}

	// The agent refuses nested invocations when it sees its own marker var.
	env := os.Environ()
	cmd.Env = make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		cmd.Env = append(cmd.Env, kv)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	p := &Process{
		cmd:          cmd,
		lines:        make(chan string, 64),
		staleMarkers: l.cfg.StaleMarkers,
		readDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	l.log.Turn(logging.LevelInfo, logging.CategoryProcess, "spawned", req.ConversationID, req.TurnID, map[string]any{
		"pid":     cmd.Process.Pid,
		"resumed": req.ResumeToken != "",
	})

	go p.readLoop(stdout, l.cfg.ScannerBuffer)
	go p.reap()

	return p, nil
}

// cappedBuffer keeps at most cap bytes of what is written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() < maxStderrCapture {
		remain := maxStderrCapture - b.buf.Len()
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Process is a running agent subprocess.
type Process struct {
	cmd          *exec.Cmd
	lines        chan string
	stderr       cappedBuffer
	staleMarkers []string
	terminated   atomic.Bool
	readDone     chan struct{}
	done         chan struct{}
	waitErr      error
}

// Lines returns the channel of raw output lines. It is closed when the
// process's stdout is exhausted.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// readLoop scans stdout line by line. The buffer must be large enough for
// single-line JSON events carrying inline file content; a line that
// overflows it would silently corrupt the stream.
func (p *Process) readLoop(r io.Reader, bufSize int) {
	defer close(p.readDone)
	defer close(p.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), bufSize)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// reap waits for stdout to be fully drained before calling Wait, which
// closes the pipe. Waiting earlier would discard whatever output the
// process flushed just before exiting.
func (p *Process) reap() {
	<-p.readDone
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Terminate stops the process: SIGTERM first, SIGKILL if it lingers.
// Safe to call repeatedly and after exit.
func (p *Process) Terminate() {
	if p.terminated.Swap(true) {
		return
	}
	proc := p.cmd.Process
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	go func() {
		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			_ = proc.Kill()
		}
	}()
}

// Wait blocks until the process exits and classifies the outcome.
func (p *Process) Wait() error {
	<-p.done

	if p.waitErr == nil {
		return nil
	}
	if p.terminated.Load() {
		// Killed by us; the orchestrator reports this as cancellation.
		return context.Canceled
	}

	stderr := p.stderr.String()
	exitCode := -1
	if exitErr, ok := p.waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	for _, marker := range p.staleMarkers {
		if marker != "" && strings.Contains(stderr, marker) {
			return ErrStaleResume
		}
	}

	return &ProcessError{ExitCode: exitCode, Stderr: strings.TrimSpace(stderr)}
}
