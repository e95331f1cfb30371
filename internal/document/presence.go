package document

import (
	"time"
	"unicode/utf8"

	"github.com/collabmd/collabmd/internal/ot"
)

// MaxLabelCodepoints bounds a presence label's length.
const MaxLabelCodepoints = 32

// IdleEvictionInterval is how often the hub's idle sweep should run;
// IdleTimeout is how long a client may go without a presence update
// before being evicted.
const (
	IdleEvictionInterval = 15 * time.Second
	IdleTimeout          = 60 * time.Second
)

// ValidateProfile checks the label/colour constraints
func ValidateProfile(label, color string) bool {
	if utf8.RuneCountInString(label) > MaxLabelCodepoints {
		return false
	}
	return isHexColor(color)
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for i := 1; i < 7; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func (d *Document) snapshotPresenceLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(d.presence))
	for _, p := range d.presence {
		out = append(out, *p)
	}
	return out
}

// UpdatePresence merges a client's profile/cursor/IME update into the
// presence map and broadcasts the added/updated diff.
func (d *Document) UpdatePresence(clientID string, label, color *string, cursor *CursorState, ime *ImeEvent) {
	d.mu.Lock()

	entry, existed := d.presence[clientID]
	if !existed {
		entry = &PresenceEntry{ClientID: clientID}
		d.presence[clientID] = entry
	}
	if label != nil {
		entry.Label = *label
	}
	if color != nil {
		entry.Color = *color
	}
	if cursor != nil {
		entry.Cursor = cursor
	}
	if ime != nil {
		entry.IME = ime
	}
	entry.LastSeenMs = time.Now().UnixMilli()
	snapshot := *entry
	d.mu.Unlock()

	if existed {
		d.broadcastPresenceDiff(nil, []PresenceEntry{snapshot}, nil)
	} else {
		d.broadcastPresenceDiff([]PresenceEntry{snapshot}, nil, nil)
	}
}

// transformPresenceLocked shifts every presence entry's cursor through
// a just-applied op, the same way the text itself was transformed.
func (d *Document) transformPresenceLocked(op ot.Op) {
	for _, p := range d.presence {
		if p.Cursor == nil {
			continue
		}
		pos := ot.TransformIndex(op, p.Cursor.Position)
		p.Cursor.Position = pos
		if p.Cursor.Anchor != nil {
			anchor := ot.TransformIndex(op, *p.Cursor.Anchor)
			p.Cursor.Anchor = &anchor
		}
	}
}

// EvictIdle removes any presence entry whose LastSeenMs is older than
// IdleTimeout and broadcasts their removal.
func (d *Document) EvictIdle(now time.Time) {
	cutoff := now.Add(-IdleTimeout).UnixMilli()

	d.mu.Lock()
	var removed []string
	for id, p := range d.presence {
		if p.LastSeenMs < cutoff {
			delete(d.presence, id)
			removed = append(removed, id)
		}
	}
	d.mu.Unlock()

	if len(removed) > 0 {
		d.broadcastPresenceDiff(nil, nil, removed)
	}
}

func (d *Document) broadcastPresenceDiff(added, updated []PresenceEntry, removed []string) {
	if len(added) == 0 && len(updated) == 0 && len(removed) == 0 {
		return
	}
	d.broadcast(&Event{PresenceDiff: &PresenceDiffEvent{Added: added, Updated: updated, Removed: removed}})
}
