package palette

import "sync"

// DefaultColors is the fixed display palette, scanned in order.
var DefaultColors = []string{"skyblue", "#FFFF00", "#00FFFF"}

const (
	// ReservedIdentity always maps to ReservedColor, bypassing the palette.
	ReservedIdentity = "u01@ezpt.kr"
	ReservedColor    = "#fff"
)

// Assigner maps speaker identities to display colors. Assignments are
// stable for the lifetime of the Assigner: once an identity has a color it
// never changes. Colors stay unique until the palette is exhausted, after
// which new identities share the first palette color.
type Assigner struct {
	mu       sync.Mutex
	colors   []string
	assigned map[string]string
}

func NewAssigner() *Assigner {
	return NewAssignerWithColors(DefaultColors)
}

func NewAssignerWithColors(colors []string) *Assigner {
	return &Assigner{
		colors:   append([]string(nil), colors...),
		assigned: make(map[string]string),
	}
}

// ColorFor returns the color for identity, assigning one on first use.
func (a *Assigner) ColorFor(identity string) string {
	if identity == ReservedIdentity {
		return ReservedColor
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if color, ok := a.assigned[identity]; ok {
		return color
	}

	used := make(map[string]bool, len(a.assigned))
	for _, c := range a.assigned {
		used[c] = true
	}
	color := a.colors[0]
	for _, c := range a.colors {
		if !used[c] {
			color = c
			break
		}
	}
	a.assigned[identity] = color
	return color
}
