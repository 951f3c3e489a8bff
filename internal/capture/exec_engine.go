package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/captionsync/captiond/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine runs an external recognizer process that writes one JSON
// Event per stdout line. Each Start launches a fresh process; process
// exit, clean or not, lands on Done so the loop can decide whether to
// restart.
type execEngine struct {
	cmd      []string
	language string
	log      *slog.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	stopped bool

	events chan Event
	done   chan error
}

// NewEngine builds the Engine selected by config. Unknown modes are a
// capability absence, not a config typo at this layer.
func NewEngine(cfg config.CaptureConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewScriptedEngine(), nil
	case "exec":
		return newExecEngine(cfg, log)
	default:
		return nil, ErrUnsupported
	}
}

func newExecEngine(cfg config.CaptureConfig, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execEngine{
		cmd:      args,
		language: cfg.Language,
		log:      log.With(slog.String("component", "capture-exec")),
		events:   make(chan Event, 16),
		done:     make(chan error, 4),
	}, nil
}

func (e *execEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		return nil
	}
	e.stopped = false

	args := append([]string{}, e.cmd[1:]...)
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	cmd := exec.Command(e.cmd[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	e.proc = cmd

	go e.read(stdout, cmd)
	return nil
}

func (e *execEngine) read(stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			e.log.Warn("failed to decode capture event", slog.String("error", err.Error()))
			continue
		}
		e.events <- ev
	}

	err := cmd.Wait()

	e.mu.Lock()
	e.proc = nil
	stopped := e.stopped
	e.mu.Unlock()

	if stopped {
		e.done <- nil
		return
	}
	if err == nil {
		err = fmt.Errorf("capture command exited")
	}
	e.done <- err
}

func (e *execEngine) Stop() {
	e.mu.Lock()
	e.stopped = true
	proc := e.proc
	e.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
}

func (e *execEngine) Events() <-chan Event { return e.events }
func (e *execEngine) Done() <-chan error   { return e.done }
