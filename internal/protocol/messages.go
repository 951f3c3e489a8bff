package protocol

import "time"

// Join announces a participant entering a room. Rejoining with the same
// identity is a no-op on the relay but still triggers a snapshot push.
type Join struct {
	GroupID  string `json:"group_id"`
	Identity string `json:"identity"`
	ClientID string `json:"client_id"`
}

// Utterance is one finalized, attributed transcript entry. Immutable once
// created; the ID is the idempotence key under duplicate delivery.
type Utterance struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Color     string    `json:"color"`
	Timestamp time.Time `json:"timestamp"`
}

// Preview is a speaker's in-progress transcript text. A preview replaces
// any prior preview from the same speaker; empty text clears the slot.
type Preview struct {
	GroupID string `json:"group_id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Color   string `json:"color"`
}

// SnapshotRequest asks the relay for the full room state.
type SnapshotRequest struct {
	GroupID string `json:"group_id"`
}

// Snapshot is the authoritative room state at a point in time.
type Snapshot struct {
	GroupID    string             `json:"group_id"`
	Utterances []Utterance        `json:"utterances"`
	Previews   map[string]Preview `json:"previews"`
	Attendees  []string           `json:"attendees"`
}

// NameSuggestion is a relay-initiated identity proposal for a client that
// joined without a usable display name.
type NameSuggestion struct {
	ClientID string `json:"client_id"`
	Identity string `json:"identity"`
}

const (
	SubjectJoinPrefix      = "caption.join"
	SubjectUtterancePrefix = "caption.utterance"
	SubjectPreviewPrefix   = "caption.preview"
	SubjectSnapshotPrefix  = "caption.snapshot"
	SubjectEventUtterance  = "caption.event.utterance"
	SubjectEventPreview    = "caption.event.preview"
	SubjectEventSnapshot   = "caption.event.snapshot"
	SubjectNamePrefix      = "caption.name"
)

// JoinSubject and friends build the per-room subjects clients publish to
// and the relay subscribes on.
func JoinSubject(group string) string      { return SubjectJoinPrefix + "." + group }
func UtteranceSubject(group string) string { return SubjectUtterancePrefix + "." + group }
func PreviewSubject(group string) string   { return SubjectPreviewPrefix + "." + group }
func SnapshotSubject(group string) string  { return SubjectSnapshotPrefix + "." + group }

// Event subjects carry relay broadcasts back to every room member,
// including the original sender.
func EventUtteranceSubject(group string) string { return SubjectEventUtterance + "." + group }
func EventPreviewSubject(group string) string   { return SubjectEventPreview + "." + group }
func EventSnapshotSubject(group, clientID string) string {
	return SubjectEventSnapshot + "." + group + "." + clientID
}

// NameSubject addresses a single client for relay-initiated suggestions.
func NameSubject(clientID string) string { return SubjectNamePrefix + "." + clientID }
