package reconciler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/internal/ot"
	"github.com/collabmd/collabmd/internal/textbuf"
)

// Client is the client-side half of the collaboration protocol for a
// single open document: it holds the local text, the pending-edit
// queue, and the last revision it has observed from the server.
type Client struct {
	authorID string
	store    PendingStore

	mu              sync.Mutex
	buf             *textbuf.Buffer
	latestServerSeq uint64
	q               queue
}

// New creates a Client seeded with the document's current text and
// revision (as returned by a snapshot frame), loading any pending
// edits left over from a previous session.
func New(authorID, text string, rev uint64, store PendingStore) (*Client, error) {
	pending, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Client{
		authorID:        authorID,
		store:           store,
		buf:             textbuf.New(text),
		latestServerSeq: rev,
		q:               queue{edits: pending},
	}, nil
}

// Text returns the client's current local text.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Text()
}

// PendingEdits returns every not-yet-acked edit, in send order, for
// resending after a reconnect. The server's op_id+author_id dedup
// makes resending safe even if some were previously received.
func (c *Client) PendingEdits() []PendingEdit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.all()
}

// Edit diffs the local text against newText (the post-keystroke
// buffer), applies the result optimistically, and enqueues it as a
// new pending edit ready to send. Returns ok=false if newText is
// identical to the current text (nothing to send).
func (c *Client) Edit(newText string, cursorBefore, cursorAfter *document.CursorState) (PendingEdit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldText := c.buf.Text()
	ops := DiffOps(oldText, newText)
	if len(ops) == 0 {
		return PendingEdit{}, false, nil
	}

	for _, op := range ops {
		ot.Apply(c.buf, op)
	}

	edit := PendingEdit{
		OpID:         uuid.NewString(),
		BaseRev:      c.latestServerSeq,
		Ops:          ops,
		AuthorID:     c.authorID,
		CursorBefore: cursorBefore,
		CursorAfter:  cursorAfter,
		TsMs:         time.Now().UnixMilli(),
	}
	c.q.enqueue(edit)
	if err := c.store.Save(c.q.all()); err != nil {
		return edit, true, err
	}
	return edit, true, nil
}

// Ack removes the pending edit matching opID and advances the known
// server revision, called on an applied frame for this client's own
// op_id.
func (c *Client) Ack(opID string, serverRev uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.q.ack(opID)
	if serverRev > c.latestServerSeq {
		c.latestServerSeq = serverRev
	}
	return c.store.Save(c.q.all())
}

// ApplyRemote transforms every pending edit against a remote op (the
// client's queued edits taking role A, the remote op playing the
// already-applied B), applies the remote op to the local text, and
// advances the known server revision. Called for every applied frame
// whose author is not this client.
func (c *Client) ApplyRemote(op ot.Op, remoteAuthor string, serverRev uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.q.transformAgainstRemote(op, remoteAuthor)
	ot.Apply(c.buf, op)
	if serverRev > c.latestServerSeq {
		c.latestServerSeq = serverRev
	}
	return c.store.Save(c.q.all())
}

// DriftRepair compares the local text against a freshly fetched
// server snapshot and, if they differ, enqueues a new edit that diffs
// snapshot -> local so the two converge. This is the last step of a
// reconnect, after every pending edit has been resent and acked,
// covering the case where the server's transform window trimmed an op
// the client never saw acked.
func (c *Client) DriftRepair(serverText string, serverRev uint64) (PendingEdit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.buf.Text()
	if local == serverText {
		if serverRev > c.latestServerSeq {
			c.latestServerSeq = serverRev
		}
		return PendingEdit{}, false, nil
	}

	ops := DiffOps(serverText, local)
	edit := PendingEdit{
		OpID:     uuid.NewString(),
		BaseRev:  serverRev,
		Ops:      ops,
		AuthorID: c.authorID,
		TsMs:     time.Now().UnixMilli(),
	}
	c.q.enqueue(edit)
	if err := c.store.Save(c.q.all()); err != nil {
		return edit, true, err
	}
	return edit, true, nil
}
