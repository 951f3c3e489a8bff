package capture

import "sync"

// ScriptedEngine is an in-process Engine fed by the caller. It backs
// capture.mode=mock and the loop tests: Emit injects recognition events,
// Terminate simulates the engine dying on its own.
type ScriptedEngine struct {
	mu      sync.Mutex
	running bool
	starts  int
	events  chan Event
	done    chan error
}

func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{
		events: make(chan Event, 16),
		done:   make(chan error, 4),
	}
}

func (e *ScriptedEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.starts++
	return nil
}

func (e *ScriptedEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	e.done <- nil
}

func (e *ScriptedEngine) Events() <-chan Event { return e.events }
func (e *ScriptedEngine) Done() <-chan error   { return e.done }

// Emit delivers a recognition event as if the engine produced it.
func (e *ScriptedEngine) Emit(ev Event) {
	e.events <- ev
}

// Terminate simulates an unexpected engine termination.
func (e *ScriptedEngine) Terminate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	e.done <- err
}

// Starts reports how many times Start has been called.
func (e *ScriptedEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}
