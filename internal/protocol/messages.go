// Package protocol defines the WebSocket frame protocol between
// client and server: the join/edit/cursor/ime/profile/ping inbound
// frames and the snapshot/applied/presence_snapshot/presence_diff/
// pong/error outbound frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/internal/ot"
)

// OpWire is the wire encoding of an ot.Op.
type OpWire struct {
	Kind string `json:"kind"` // "insert" | "delete"
	Pos  uint32 `json:"pos"`
	Text string `json:"text,omitempty"` // insert only
	Len  uint32 `json:"len,omitempty"`  // delete only
}

// ToOp converts a wire op into an ot.Op.
func (w OpWire) ToOp() (ot.Op, error) {
	switch w.Kind {
	case "insert":
		return ot.NewInsert(w.Pos, w.Text), nil
	case "delete":
		return ot.NewDelete(w.Pos, w.Len), nil
	default:
		return ot.Op{}, fmt.Errorf("unknown op kind %q", w.Kind)
	}
}

// OpToWire converts an ot.Op into its wire encoding.
func OpToWire(op ot.Op) OpWire {
	switch op.Kind {
	case ot.Insert:
		return OpWire{Kind: "insert", Pos: op.Pos, Text: op.Text}
	case ot.Delete:
		return OpWire{Kind: "delete", Pos: op.Pos, Len: op.Len}
	default:
		return OpWire{}
	}
}

func opsToWire(ops []ot.Op) []OpWire {
	out := make([]OpWire, len(ops))
	for i, op := range ops {
		out[i] = OpToWire(op)
	}
	return out
}

func opsFromWire(ops []OpWire) ([]ot.Op, error) {
	out := make([]ot.Op, len(ops))
	for i, w := range ops {
		op, err := w.ToOp()
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

// CursorWire is the wire encoding of a document.CursorState.
type CursorWire struct {
	Position  uint32  `json:"position"`
	Anchor    *uint32 `json:"anchor,omitempty"`
	Direction string  `json:"selection_direction,omitempty"`
}

func (w CursorWire) ToCursorState() document.CursorState {
	return document.CursorState{Position: w.Position, Anchor: w.Anchor, Direction: w.Direction}
}

func cursorToWire(c *document.CursorState) *CursorWire {
	if c == nil {
		return nil
	}
	return &CursorWire{Position: c.Position, Anchor: c.Anchor, Direction: c.Direction}
}

// ImeWire is the wire encoding of a document.ImeEvent.
type ImeWire struct {
	Kind  string `json:"kind"` // start | update | commit | cancel
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
	Text  string `json:"text,omitempty"`
}

func (w ImeWire) ToImeEvent() document.ImeEvent {
	return document.ImeEvent{Kind: w.Kind, Start: w.Start, End: w.End, Text: w.Text}
}

func imeToWire(e *document.ImeEvent) *ImeWire {
	if e == nil {
		return nil
	}
	return &ImeWire{Kind: e.Kind, Start: e.Start, End: e.End, Text: e.Text}
}

// PresenceWire is the wire encoding of a document.PresenceEntry.
type PresenceWire struct {
	ClientID string      `json:"client_id"`
	Label    string      `json:"label,omitempty"`
	Color    string      `json:"color,omitempty"`
	Cursor   *CursorWire `json:"cursor,omitempty"`
	Ime      *ImeWire    `json:"ime,omitempty"`
}

func presenceToWire(p document.PresenceEntry) PresenceWire {
	return PresenceWire{
		ClientID: p.ClientID,
		Label:    p.Label,
		Color:    p.Color,
		Cursor:   cursorToWire(p.Cursor),
		Ime:      imeToWire(p.IME),
	}
}

func presencesToWire(entries []document.PresenceEntry) []PresenceWire {
	out := make([]PresenceWire, len(entries))
	for i, e := range entries {
		out[i] = presenceToWire(e)
	}
	return out
}

// JoinMsg is the inbound join frame: the client may propose a
// client_id and an initial profile; the server accepts the id if
// unique for the document, otherwise assigns its own.
type JoinMsg struct {
	ClientID string `json:"client_id,omitempty"`
	Label    string `json:"label,omitempty"`
	Color    string `json:"color,omitempty"`
}

// EditMsg is the inbound edit frame.
type EditMsg struct {
	BaseRev      uint64      `json:"base_rev"`
	Ops          []OpWire    `json:"ops"`
	OpID         string      `json:"op_id"`
	CursorBefore *CursorWire `json:"cursor_before,omitempty"`
	CursorAfter  *CursorWire `json:"cursor_after,omitempty"`
	TsMs         int64       `json:"ts_ms,omitempty"`
}

// CursorMsg is the inbound cursor-update frame.
type CursorMsg struct {
	Cursor CursorWire `json:"cursor"`
}

// ImeMsg is the inbound IME-composition frame.
type ImeMsg struct {
	Ime ImeWire `json:"ime"`
}

// ProfileMsg is the inbound label/color update frame.
type ProfileMsg struct {
	Label *string `json:"label,omitempty"`
	Color *string `json:"color,omitempty"`
}

// PingMsg is the inbound heartbeat frame.
type PingMsg struct{}

// ClientMsg is the tagged union of inbound frames; exactly one field
// is set per message.
type ClientMsg struct {
	Join    *JoinMsg    `json:"join,omitempty"`
	Edit    *EditMsg    `json:"edit,omitempty"`
	Cursor  *CursorMsg  `json:"cursor,omitempty"`
	Ime     *ImeMsg     `json:"ime,omitempty"`
	Profile *ProfileMsg `json:"profile,omitempty"`
	Ping    *PingMsg    `json:"ping,omitempty"`
}

// UnmarshalJSON decodes every recognised frame field present in the
// raw object, the way the teacher's ClientMsg.UnmarshalJSON did;
// unknown keys are ignored.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["join"]; ok {
		var j JoinMsg
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		m.Join = &j
	}
	if v, ok := raw["edit"]; ok {
		var e EditMsg
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		m.Edit = &e
	}
	if v, ok := raw["cursor"]; ok {
		var c CursorMsg
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		m.Cursor = &c
	}
	if v, ok := raw["ime"]; ok {
		var i ImeMsg
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		m.Ime = &i
	}
	if v, ok := raw["profile"]; ok {
		var p ProfileMsg
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		m.Profile = &p
	}
	if _, ok := raw["ping"]; ok {
		m.Ping = &PingMsg{}
	}
	return nil
}

// SnapshotMsg is the outbound frame a session receives on join.
type SnapshotMsg struct {
	Slug     string         `json:"slug"`
	Rev      uint64         `json:"rev"`
	Content  string         `json:"content"`
	Presence []PresenceWire `json:"presence"`
}

// AppliedMsg is the outbound ack-and-broadcast frame for an edit.
type AppliedMsg struct {
	Rev      uint64   `json:"rev"`
	AuthorID string   `json:"author_id"`
	OpID     string   `json:"op_id"`
	Ops      []OpWire `json:"ops"`
}

// PresenceSnapshotMsg lists every currently-connected client's
// presence entry.
type PresenceSnapshotMsg struct {
	Entries []PresenceWire `json:"entries"`
}

// PresenceDiffMsg carries the added/updated/removed presence delta.
type PresenceDiffMsg struct {
	Added   []PresenceWire `json:"added,omitempty"`
	Updated []PresenceWire `json:"updated,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// PongMsg answers a ping.
type PongMsg struct{}

// ErrorMsg reports a rejected frame or request.
type ErrorMsg struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ServerMsg is the tagged union of outbound frames; exactly one field
// is set per message. Per-client cursor/IME state travels inside
// PresenceDiffMsg entries rather than as standalone frames: the hub's
// dispatch for cursor/ime/profile updates always produces a
// presence_diff (see document.UpdatePresence).
type ServerMsg struct {
	Snapshot         *SnapshotMsg         `json:"snapshot,omitempty"`
	Applied          *AppliedMsg          `json:"applied,omitempty"`
	PresenceSnapshot *PresenceSnapshotMsg `json:"presence_snapshot,omitempty"`
	PresenceDiff     *PresenceDiffMsg     `json:"presence_diff,omitempty"`
	Pong             *PongMsg             `json:"pong,omitempty"`
	Error            *ErrorMsg            `json:"error,omitempty"`
}

// MarshalJSON emits only the one populated field, the way the
// teacher's ServerMsg.MarshalJSON did.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 1)
	switch {
	case m.Snapshot != nil:
		result["snapshot"] = m.Snapshot
	case m.Applied != nil:
		result["applied"] = m.Applied
	case m.PresenceSnapshot != nil:
		result["presence_snapshot"] = m.PresenceSnapshot
	case m.PresenceDiff != nil:
		result["presence_diff"] = m.PresenceDiff
	case m.Pong != nil:
		result["pong"] = m.Pong
	case m.Error != nil:
		result["error"] = m.Error
	}
	return json.Marshal(result)
}

// NewSnapshotMsg builds a snapshot frame from a subscribe result.
func NewSnapshotMsg(slug string, sub document.SubscribeResult) *ServerMsg {
	return &ServerMsg{Snapshot: &SnapshotMsg{
		Slug: slug, Rev: sub.Rev, Content: sub.Text, Presence: presencesToWire(sub.Presence),
	}}
}

// NewAppliedMsg builds an applied frame from a document.AppliedEvent.
func NewAppliedMsg(evt document.AppliedEvent) *ServerMsg {
	return &ServerMsg{Applied: &AppliedMsg{
		Rev: evt.Rev, AuthorID: evt.AuthorID, OpID: evt.OpID, Ops: opsToWire(evt.TransformedOps),
	}}
}

// NewPresenceSnapshotMsg builds a presence_snapshot frame.
func NewPresenceSnapshotMsg(entries []document.PresenceEntry) *ServerMsg {
	return &ServerMsg{PresenceSnapshot: &PresenceSnapshotMsg{Entries: presencesToWire(entries)}}
}

// NewPresenceDiffMsg builds a presence_diff frame from a
// document.PresenceDiffEvent.
func NewPresenceDiffMsg(evt document.PresenceDiffEvent) *ServerMsg {
	return &ServerMsg{PresenceDiff: &PresenceDiffMsg{
		Added:   presencesToWire(evt.Added),
		Updated: presencesToWire(evt.Updated),
		Removed: evt.Removed,
	}}
}

// NewErrorMsg builds an error frame.
func NewErrorMsg(reason, message string) *ServerMsg {
	return &ServerMsg{Error: &ErrorMsg{Reason: reason, Message: message}}
}

// ToEditRequest converts an inbound EditMsg into a document.EditRequest.
func (e EditMsg) ToEditRequest(authorID string) (document.EditRequest, error) {
	ops, err := opsFromWire(e.Ops)
	if err != nil {
		return document.EditRequest{}, err
	}
	return document.EditRequest{BaseRev: e.BaseRev, Ops: ops, AuthorID: authorID, OpID: e.OpID}, nil
}
