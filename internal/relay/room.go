package relay

import (
	"sync"

	"github.com/captionsync/captiond/internal/protocol"
	"github.com/captionsync/captiond/internal/transcript"
)

// room is one group's authoritative state. The mutex serializes writes
// within the room so near-simultaneous publishes land in one total order
// and broadcast in that same order; separate rooms proceed in parallel.
type room struct {
	groupID string
	mu      sync.Mutex
	state   *transcript.State
	members map[string]string // client id -> identity
}

func newRoom(groupID string) *room {
	return &room{
		groupID: groupID,
		state:   transcript.NewState(),
		members: make(map[string]string),
	}
}

// join registers the client. Rejoining with the same identity is a no-op
// beyond refreshing membership; the caller still pushes a snapshot.
func (r *room) join(clientID, identity string) protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity != "" {
		r.members[clientID] = identity
		r.state.AddAttendee(identity)
	}
	return r.state.Snapshot(r.groupID)
}

func (r *room) applyUtterance(utt protocol.Utterance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ApplyUtterance(utt)
}

func (r *room) applyPreview(p protocol.Preview) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ApplyPreview(p)
}

func (r *room) snapshot() protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot(r.groupID)
}

func (r *room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
