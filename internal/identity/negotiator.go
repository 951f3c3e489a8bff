package identity

import (
	"log/slog"
	"sync"
	"time"
)

// State tracks where the local display name negotiation stands.
type State int

const (
	// Unset means no identity is persisted or proposed yet.
	Unset State = iota
	// PendingConfirmation means a candidate name is displayed and will
	// auto-commit when the grace window elapses.
	PendingConfirmation
	// Confirmed means the identity is committed for this session. A later
	// suggestion re-enters PendingConfirmation.
	Confirmed
)

func (s State) String() string {
	switch s {
	case PendingConfirmation:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unset"
	}
}

// Negotiator resolves the participant's display name. A relay suggestion
// starts a grace-window timer; if no manual override lands before it
// fires, the suggested name is committed. Manual commits always win and
// cancel the timer. At most one timer is live: scheduling a new one
// replaces any prior one, never stacks.
type Negotiator struct {
	mu        sync.Mutex
	state     State
	candidate string
	committed string
	grace     time.Duration
	timer     *time.Timer
	gen       uint64
	onCommit  func(identity string)
	log       *slog.Logger
}

func NewNegotiator(grace time.Duration, onCommit func(string), log *slog.Logger) *Negotiator {
	return &Negotiator{
		grace:    grace,
		onCommit: onCommit,
		log:      log.With(slog.String("component", "identity")),
	}
}

// Bootstrap seeds the negotiator from persisted state. A non-empty
// persisted name is already confirmed; no commit callback fires for it.
func (n *Negotiator) Bootstrap(persisted string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if persisted == "" {
		n.state = Unset
		return
	}
	n.state = Confirmed
	n.committed = persisted
	n.candidate = persisted
}

// Suggest proposes a name, typically relay-assigned. It enters
// PendingConfirmation and arms the grace-window timer, replacing any
// pending one.
func (n *Negotiator) Suggest(name string) {
	if name == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.candidate = name
	n.state = PendingConfirmation
	n.log.Info("name suggested, auto-commit pending",
		slog.String("name", name),
		slog.Duration("grace", n.grace))

	if n.timer != nil {
		n.timer.Stop()
	}
	// Each arm gets its own generation. A stopped timer that already
	// fired and is waiting on the mutex sees a newer generation and
	// backs off instead of committing the replacement early.
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.grace, func() { n.autoCommit(gen) })
}

func (n *Negotiator) autoCommit(gen uint64) {
	n.mu.Lock()
	if n.state != PendingConfirmation || gen != n.gen {
		n.mu.Unlock()
		return
	}
	name := n.candidate
	n.commitLocked(name)
	n.mu.Unlock()

	n.log.Info("name auto-committed", slog.String("name", name))
	if n.onCommit != nil {
		n.onCommit(name)
	}
}

// Commit applies a manual (possibly edited) name immediately, cancelling
// any pending auto-commit.
func (n *Negotiator) Commit(name string) {
	if name == "" {
		return
	}
	n.mu.Lock()
	n.commitLocked(name)
	n.mu.Unlock()

	n.log.Info("name committed", slog.String("name", name))
	if n.onCommit != nil {
		n.onCommit(name)
	}
}

func (n *Negotiator) commitLocked(name string) {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.candidate = name
	n.committed = name
	n.state = Confirmed
}

// Close cancels any pending timer.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Identity returns the committed name, or "" before first confirmation.
func (n *Negotiator) Identity() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.committed
}

// Candidate returns the name currently displayed to the user.
func (n *Negotiator) Candidate() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.candidate
}
