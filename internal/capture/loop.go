package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrLoopStopped reports a Start on a loop whose run goroutine has
// already wound down after an intended stop. Loops are single-use;
// build a new one to capture again.
var ErrLoopStopped = errors.New("capture loop has shut down")

// Transcription is one capture event as seen by the synchronizer: the
// finalized fragment produced by this event (empty if none) and the
// current provisional text. Interim is always meaningful, including when
// empty — an empty interim clears the speaker's shared preview slot.
type Transcription struct {
	Final   string
	Interim string
}

// Loop drives an Engine and keeps it alive. The engine is expected to
// terminate on its own occasionally; while the user still intends to
// listen, the loop restarts it immediately and unconditionally. The
// intent flag is read at termination time, not captured at subscription
// time, so a stop that lands between events is honored.
type Loop struct {
	engine Engine
	log    *slog.Logger
	out    chan Transcription

	intent   atomic.Bool
	restarts atomic.Int64

	startOnce sync.Once
	done      chan struct{}
}

func NewLoop(engine Engine, log *slog.Logger) *Loop {
	return &Loop{
		engine: engine,
		log:    log.With(slog.String("component", "capture")),
		out:    make(chan Transcription, 16),
		done:   make(chan struct{}),
	}
}

// Start begins continuous capture. Calling it again while listening is
// a no-op; calling it after the loop has wound down returns
// ErrLoopStopped rather than starting an engine nothing consumes.
func (l *Loop) Start() error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	if !l.intent.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.engine.Start(); err != nil {
		l.intent.Store(false)
		return fmt.Errorf("start capture engine: %w", err)
	}
	l.startOnce.Do(func() {
		go l.run()
	})
	l.log.Info("capture started")
	return nil
}

// Stop ends capture. Future engine terminations no longer trigger
// restarts.
func (l *Loop) Stop() {
	if !l.intent.CompareAndSwap(true, false) {
		return
	}
	l.log.Info("stopping capture")
	l.engine.Stop()
}

// Results delivers one Transcription per recognition event. The channel
// closes after an intended stop completes.
func (l *Loop) Results() <-chan Transcription {
	return l.out
}

// Done is closed once the loop has fully wound down.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Restarts reports how many unexpected terminations have been recovered.
func (l *Loop) Restarts() int64 {
	return l.restarts.Load()
}

func (l *Loop) run() {
	defer close(l.done)
	defer close(l.out)

	for {
		select {
		case ev, ok := <-l.engine.Events():
			if !ok {
				return
			}
			l.handle(ev)
		case err := <-l.engine.Done():
			// Read the intent flag now, not the value it had when the
			// engine was started.
			if !l.intent.Load() {
				l.log.Info("capture stopped")
				return
			}
			if err != nil {
				l.log.Warn("capture engine terminated", slog.String("error", err.Error()))
			}
			l.log.Info("capture ended unexpectedly, restarting")
			l.restarts.Add(1)
			if err := l.engine.Start(); err != nil {
				l.log.Error("capture restart failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (l *Loop) handle(ev Event) {
	var finals, interim strings.Builder
	for i := ev.ResultIndex; i < len(ev.Segments); i++ {
		seg := ev.Segments[i]
		if len(seg.Alternatives) == 0 {
			continue
		}
		text := seg.Alternatives[0].Transcript
		if seg.IsFinal {
			finals.WriteString(text)
		} else {
			interim.WriteString(text)
		}
	}

	l.out <- Transcription{
		Final:   strings.TrimSpace(finals.String()),
		Interim: interim.String(),
	}
}
