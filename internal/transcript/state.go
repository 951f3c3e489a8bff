package transcript

import (
	"sort"
	"sync"

	"github.com/captionsync/captiond/internal/protocol"
)

// State is the room-scoped transcript view a client converges toward: an
// append-only list of finalized utterances, at most one live preview per
// speaker, and the set of identities seen in the room.
//
// Utterances are deduplicated by ID so that echoed or replayed broadcasts
// apply idempotently. Previews replace wholesale; an empty preview text
// clears the speaker's slot.
type State struct {
	mu         sync.Mutex
	utterances []protocol.Utterance
	seen       map[string]bool
	previews   map[string]protocol.Preview
	attendees  map[string]bool
}

func NewState() *State {
	return &State{
		seen:      make(map[string]bool),
		previews:  make(map[string]protocol.Preview),
		attendees: make(map[string]bool),
	}
}

// ApplyUtterance appends utt unless it was already applied. It reports
// whether the transcript changed. A finalized utterance supersedes the
// speaker's live preview.
func (s *State) ApplyUtterance(utt protocol.Utterance) bool {
	if utt.Text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if utt.ID != "" && s.seen[utt.ID] {
		return false
	}
	if utt.ID != "" {
		s.seen[utt.ID] = true
	}
	s.utterances = append(s.utterances, utt)
	delete(s.previews, utt.Speaker)
	if utt.Speaker != "" {
		s.attendees[utt.Speaker] = true
	}
	return true
}

// ApplyPreview replaces the speaker's preview slot. Empty text clears it.
func (s *State) ApplyPreview(p protocol.Preview) {
	if p.Speaker == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Text == "" {
		delete(s.previews, p.Speaker)
	} else {
		s.previews[p.Speaker] = p
	}
	s.attendees[p.Speaker] = true
}

// AddAttendee records an identity as present without requiring it to have
// spoken yet.
func (s *State) AddAttendee(identity string) {
	if identity == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendees[identity] = true
}

// ReplaceWith discards all local state in favor of the snapshot. The
// relay's copy is authoritative; optimistic local entries not present in
// the snapshot are dropped.
func (s *State) ReplaceWith(snap protocol.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.utterances = append([]protocol.Utterance(nil), snap.Utterances...)
	s.seen = make(map[string]bool, len(snap.Utterances))
	for _, u := range snap.Utterances {
		if u.ID != "" {
			s.seen[u.ID] = true
		}
	}
	s.previews = make(map[string]protocol.Preview, len(snap.Previews))
	for speaker, p := range snap.Previews {
		if p.Text != "" {
			s.previews[speaker] = p
		}
	}
	s.attendees = make(map[string]bool, len(snap.Attendees))
	for _, a := range snap.Attendees {
		s.attendees[a] = true
	}
}

// Utterances returns the finalized entries in arrival order.
func (s *State) Utterances() []protocol.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Utterance(nil), s.utterances...)
}

// Previews returns the live preview slots keyed by speaker.
func (s *State) Previews() map[string]protocol.Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Preview, len(s.previews))
	for k, v := range s.previews {
		out[k] = v
	}
	return out
}

// Attendees returns the sorted identities seen in the room.
func (s *State) Attendees() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.attendees))
	for a := range s.attendees {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot renders the current state as a snapshot message.
func (s *State) Snapshot(groupID string) protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := protocol.Snapshot{
		GroupID:    groupID,
		Utterances: append([]protocol.Utterance(nil), s.utterances...),
		Previews:   make(map[string]protocol.Preview, len(s.previews)),
	}
	for k, v := range s.previews {
		snap.Previews[k] = v
	}
	for a := range s.attendees {
		snap.Attendees = append(snap.Attendees, a)
	}
	sort.Strings(snap.Attendees)
	return snap
}
