// Package reconciler implements the client side of the collaboration
// protocol: an optimistic pending-edit queue that survives
// disconnects, diffs local text changes into ops, and repairs drift
// against the server's transform window.
package reconciler

import (
	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/internal/ot"
)

// PendingEdit is one not-yet-acknowledged edit frame, kept in the
// queue until the server acks its op_id or it is transformed away by
// a remote op.
type PendingEdit struct {
	OpID         string
	BaseRev      uint64
	Ops          []ot.Op
	AuthorID     string
	CursorBefore *document.CursorState
	CursorAfter  *document.CursorState
	TsMs         int64
}
