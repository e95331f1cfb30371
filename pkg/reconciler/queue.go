package reconciler

import "github.com/collabmd/collabmd/internal/ot"

// queue is the ordered list of not-yet-acknowledged edits, in send
// order. It is not safe for concurrent use; Client serializes access.
type queue struct {
	edits []PendingEdit
}

func (q *queue) enqueue(e PendingEdit) {
	q.edits = append(q.edits, e)
}

// ack removes the entry matching opID, reporting whether one was
// found.
func (q *queue) ack(opID string) bool {
	for i, e := range q.edits {
		if e.OpID == opID {
			q.edits = append(q.edits[:i:i], q.edits[i+1:]...)
			return true
		}
	}
	return false
}

// transformAgainstRemote transforms every queued edit's ops against a
// just-applied remote op, the client playing role A against the
// remote's already-applied B, exactly the rule internal/ot.Transform
// defines for the server side.
// An edit whose ops are all transformed away is dropped from the queue.
func (q *queue) transformAgainstRemote(op ot.Op, remoteAuthor string) {
	kept := q.edits[:0]
	for _, e := range q.edits {
		e.Ops = ot.TransformOpsAgainstOp(e.Ops, e.AuthorID, op, remoteAuthor)
		if len(e.Ops) > 0 {
			kept = append(kept, e)
		}
	}
	q.edits = kept
}

func (q *queue) all() []PendingEdit {
	out := make([]PendingEdit, len(q.edits))
	copy(out, q.edits)
	return out
}
