package document

import (
	"testing"
	"time"

	"github.com/collabmd/collabmd/internal/ot"
)

// fakePersister is an in-memory Persister for exercising Document
// without touching disk.
type fakePersister struct {
	ops     []ot.AppliedOp
	healthy bool
	hash    []byte
	title   string
}

func newFakePersister() *fakePersister {
	return &fakePersister{healthy: true}
}

func (f *fakePersister) Append(op ot.AppliedOp) error {
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakePersister) SaveMeta(hash []byte, title string) error {
	f.hash = hash
	f.title = title
	return nil
}

func (f *fakePersister) Healthy() bool { return f.healthy }

func newTestDoc() *Document {
	return New(Config{Slug: "test", Persister: newFakePersister()})
}

func TestApplyEditAppendsAndBroadcasts(t *testing.T) {
	d := newTestDoc()
	ch, _ := d.Subscribe("alice", nil)

	result := d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "hi")}, AuthorID: "alice", OpID: "op1"})
	if !result.Accepted || result.Rev != 1 {
		t.Fatalf("expected accepted edit at rev 1, got %+v", result)
	}
	if d.Text() != "hi" {
		t.Fatalf("expected text 'hi', got %q", d.Text())
	}

	evt := <-ch
	if evt.Applied == nil || evt.Applied.Rev != 1 {
		t.Fatalf("expected applied broadcast at rev 1, got %+v", evt)
	}
}

// TestApplyEditDedupReturnsCachedResult checks that resending the same
// author_id+op_id (as a reconnecting client would) replays the cached
// result instead of applying the ops twice.
func TestApplyEditDedupReturnsCachedResult(t *testing.T) {
	d := newTestDoc()
	req := EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "hi")}, AuthorID: "alice", OpID: "op1"}

	first := d.ApplyEdit(req)
	second := d.ApplyEdit(req)

	if second.Rev != first.Rev {
		t.Fatalf("expected dedup to return the original result, got %+v vs %+v", first, second)
	}
	if d.Text() != "hi" {
		t.Fatalf("expected the op to be applied only once, got %q", d.Text())
	}
}

func TestApplyEditRejectsFutureBaseRev(t *testing.T) {
	d := newTestDoc()
	result := d.ApplyEdit(EditRequest{BaseRev: 5, Ops: []ot.Op{ot.NewInsert(0, "x")}, AuthorID: "a", OpID: "op1"})
	if result.Accepted || result.Reason != ReasonBaseTooOld {
		t.Fatalf("expected base_too_old for a future base_rev, got %+v", result)
	}
}

// TestApplyEditRejectsBaseRevOutsideWindow checks that an edit whose
// base_rev has fallen further behind than the transform window W
// rejects with base_too_old rather than attempting to transform
// against a log that no longer has the needed history.
func TestApplyEditRejectsBaseRevOutsideWindow(t *testing.T) {
	d := New(Config{Slug: "test", Window: 2, Persister: newFakePersister()})
	for i := 0; i < 3; i++ {
		d.ApplyEdit(EditRequest{BaseRev: uint64(i), Ops: []ot.Op{ot.NewInsert(0, "x")}, AuthorID: "a", OpID: string(rune('a' + i))})
	}
	// rev is now 3; base_rev 0 is 3 behind, past window 2.
	result := d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "y")}, AuthorID: "b", OpID: "z"})
	if result.Accepted || result.Reason != ReasonBaseTooOld {
		t.Fatalf("expected base_too_old outside the transform window, got %+v", result)
	}
}

func TestApplyEditRejectsWhenStorageUnhealthy(t *testing.T) {
	p := newFakePersister()
	p.healthy = false
	d := New(Config{Slug: "test", Persister: p})

	result := d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "x")}, AuthorID: "a", OpID: "op1"})
	if result.Accepted || result.Reason != ReasonStorageUnavailable {
		t.Fatalf("expected storage_unavailable, got %+v", result)
	}
}

func TestApplyEditRejectsEmptyOps(t *testing.T) {
	d := newTestDoc()
	result := d.ApplyEdit(EditRequest{BaseRev: 0, Ops: nil, AuthorID: "a", OpID: "op1"})
	if result.Accepted || result.Reason != ReasonMalformed {
		t.Fatalf("expected malformed for empty ops, got %+v", result)
	}
}

func TestSubscribeRequiresCorrectPassword(t *testing.T) {
	d := newTestDoc()
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !d.SetPassword(nil, hash) {
		t.Fatalf("expected setting a password on an unprotected doc to succeed")
	}

	_, wrong := d.Subscribe("alice", func(h []byte) bool { return CheckPassword(h, "nope") })
	if wrong.Auth != AuthNeedsPassword {
		t.Fatalf("expected AuthNeedsPassword for a wrong password, got %v", wrong.Auth)
	}

	_, right := d.Subscribe("alice", func(h []byte) bool { return CheckPassword(h, "secret") })
	if right.Auth != AuthOK {
		t.Fatalf("expected AuthOK for the correct password, got %v", right.Auth)
	}
	if !d.HasSubscriber("alice") {
		t.Fatalf("expected alice to be attached after a successful subscribe")
	}
}

// TestUnsubscribeNotifiesRemainingSubscribers checks that a remaining
// subscriber learns a departing session's presence entry is gone, and
// that a departing session's own channel is simply closed rather than
// fed a presence_diff about itself.
func TestUnsubscribeNotifiesRemainingSubscribers(t *testing.T) {
	d := newTestDoc()
	chAlice, _ := d.Subscribe("alice", nil)
	chBob, _ := d.Subscribe("bob", nil)

	d.Unsubscribe("alice")

	evt, ok := <-chBob
	if !ok {
		t.Fatalf("expected bob's channel to stay open")
	}
	if evt.PresenceDiff == nil || len(evt.PresenceDiff.Removed) != 1 || evt.PresenceDiff.Removed[0] != "alice" {
		t.Fatalf("expected bob to receive a removal presence_diff for alice, got %+v", evt)
	}
	if d.HasSubscriber("alice") {
		t.Fatalf("expected alice to be detached")
	}
	if !d.HasSubscriber("bob") {
		t.Fatalf("expected bob to remain subscribed")
	}

	if _, ok := <-chAlice; ok {
		t.Fatalf("expected alice's own channel to be closed by her own unsubscribe")
	}

	d.Unsubscribe("bob")
	if d.HasSubscriber("bob") {
		t.Fatalf("expected bob to be detached")
	}
	if _, ok := <-chBob; ok {
		t.Fatalf("expected bob's own channel to be closed by his own unsubscribe")
	}
}

func TestUpdatePresenceBroadcastsAddThenUpdate(t *testing.T) {
	d := newTestDoc()
	_, _ = d.Subscribe("alice", nil)
	ch, _ := d.Subscribe("bob", nil)

	cursor := CursorState{Position: 3}
	d.UpdatePresence("alice", nil, nil, &cursor, nil)
	evt := <-ch
	if evt.PresenceDiff == nil || len(evt.PresenceDiff.Added) != 1 {
		t.Fatalf("expected an added presence entry, got %+v", evt)
	}

	cursor2 := CursorState{Position: 4}
	d.UpdatePresence("alice", nil, nil, &cursor2, nil)
	evt2 := <-ch
	if evt2.PresenceDiff == nil || len(evt2.PresenceDiff.Updated) != 1 {
		t.Fatalf("expected an updated presence entry on the second call, got %+v", evt2)
	}
}

// TestApplyEditTransformsPresenceCursor checks that a remote insert
// shifts a subscriber's tracked cursor position the same way it shifts
// the text.
func TestApplyEditTransformsPresenceCursor(t *testing.T) {
	d := newTestDoc()
	d.Subscribe("alice", nil)
	ch, _ := d.Subscribe("bob", nil)

	cursor := CursorState{Position: 2}
	d.UpdatePresence("alice", nil, nil, &cursor, nil)
	<-ch // drain the presence_diff from UpdatePresence

	d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "XX")}, AuthorID: "bob", OpID: "op1"})
	<-ch // drain the applied broadcast

	entries := d.snapshotPresenceForTest()
	var got *PresenceEntry
	for i := range entries {
		if entries[i].ClientID == "alice" {
			got = &entries[i]
		}
	}
	if got == nil || got.Cursor == nil || got.Cursor.Position != 4 {
		t.Fatalf("expected alice's cursor to shift to 4, got %+v", got)
	}
}

// TestUpdatePresencePreservesIMEOnCursorOnlyUpdate checks that a
// cursor-only (or profile-only) UpdatePresence call doesn't clobber an
// in-progress IME composition already recorded for that client: each
// field is last-writer-wins independently, not as a group.
func TestUpdatePresencePreservesIMEOnCursorOnlyUpdate(t *testing.T) {
	d := newTestDoc()
	ch, _ := d.Subscribe("alice", nil)

	ime := ImeEvent{Kind: "update", Start: 1, End: 3, Text: "ni"}
	d.UpdatePresence("alice", nil, nil, nil, &ime)
	<-ch

	cursor := CursorState{Position: 5}
	d.UpdatePresence("alice", nil, nil, &cursor, nil)
	<-ch

	entries := d.snapshotPresenceForTest()
	var got *PresenceEntry
	for i := range entries {
		if entries[i].ClientID == "alice" {
			got = &entries[i]
		}
	}
	if got == nil || got.IME == nil || got.IME.Text != "ni" {
		t.Fatalf("expected the cursor-only update to leave the IME entry intact, got %+v", got)
	}
	if got.Cursor == nil || got.Cursor.Position != 5 {
		t.Fatalf("expected the cursor to still advance to 5, got %+v", got)
	}
}

// TestTakeDisconnectReasonReportsBackpressure checks that a subscriber
// dropped for falling behind on its bounded channel is recorded as a
// backpressure disconnect (as opposed to the default, an ordinary
// one), and that the record is consumed exactly once.
func TestTakeDisconnectReasonReportsBackpressure(t *testing.T) {
	d := New(Config{Slug: "test", BroadcastBufSize: 1, Persister: newFakePersister()})
	ch, _ := d.Subscribe("alice", nil)

	for i := 0; i < 3; i++ {
		d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "x")}, AuthorID: "a", OpID: string(rune('a' + i))})
	}

	// The first applied event fit in the one-slot buffer and is still
	// delivered before the close is observed.
	if evt, ok := <-ch; !ok || evt.Applied == nil {
		t.Fatalf("expected the buffered applied event before the close, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected alice's channel to be closed after falling behind")
	}
	if reason := d.TakeDisconnectReason("alice"); reason != DisconnectBackpressure {
		t.Fatalf("expected DisconnectBackpressure, got %v", reason)
	}
	if reason := d.TakeDisconnectReason("alice"); reason != DisconnectNormal {
		t.Fatalf("expected the record to be consumed after the first read, got %v", reason)
	}
}

func TestSetTitlePersistsAndReturnsFromTitle(t *testing.T) {
	p := newFakePersister()
	d := New(Config{Slug: "test", Persister: p})

	if err := d.SetTitle("Meeting Notes"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	if d.Title() != "Meeting Notes" {
		t.Fatalf("expected Title() to reflect the new title, got %q", d.Title())
	}
	if p.title != "Meeting Notes" {
		t.Fatalf("expected the persister to receive the new title, got %q", p.title)
	}
}

// TestEvictIdlePresenceBroadcastsRemoval checks that a presence entry
// that hasn't been touched since before the idle cutoff is dropped and
// its removal broadcast to subscribers, without touching unrelated
// entries.
func TestEvictIdlePresenceBroadcastsRemoval(t *testing.T) {
	d := newTestDoc()
	ch, _ := d.Subscribe("alice", nil)

	cursor := CursorState{Position: 0}
	d.UpdatePresence("stale", nil, nil, &cursor, nil)
	<-ch

	d.mu.Lock()
	d.presence["stale"].LastSeenMs = time.Now().Add(-2 * IdleTimeout).UnixMilli()
	d.mu.Unlock()

	d.UpdatePresence("fresh", nil, nil, &cursor, nil)
	<-ch

	d.EvictIdle(time.Now())
	evt := <-ch
	if evt.PresenceDiff == nil || len(evt.PresenceDiff.Removed) != 1 || evt.PresenceDiff.Removed[0] != "stale" {
		t.Fatalf("expected stale to be evicted, got %+v", evt)
	}

	entries := d.snapshotPresenceForTest()
	for _, e := range entries {
		if e.ClientID == "stale" {
			t.Fatalf("expected stale's presence entry to be gone, still present: %+v", e)
		}
	}
}

// TestCloseDisconnectsAllSubscribersAndIsIdempotent checks that Close
// closes every subscriber channel, transitions the document out of
// Ready, and tolerates being called more than once.
func TestCloseDisconnectsAllSubscribersAndIsIdempotent(t *testing.T) {
	d := newTestDoc()
	chAlice, _ := d.Subscribe("alice", nil)
	chBob, _ := d.Subscribe("bob", nil)

	d.Close()
	d.Close() // must not panic or double-close

	if d.State() != Closed {
		t.Fatalf("expected state Closed, got %v", d.State())
	}
	if _, ok := <-chAlice; ok {
		t.Fatalf("expected alice's channel to be closed")
	}
	if _, ok := <-chBob; ok {
		t.Fatalf("expected bob's channel to be closed")
	}

	result := d.ApplyEdit(EditRequest{BaseRev: 0, Ops: []ot.Op{ot.NewInsert(0, "x")}, AuthorID: "a", OpID: "op1"})
	if result.Accepted || result.Reason != ReasonUnauthorised {
		t.Fatalf("expected edits on a closed document to be rejected, got %+v", result)
	}
}

// snapshotPresenceForTest exposes the presence map for assertions
// without adding a public accessor the rest of the package doesn't
// need.
func (d *Document) snapshotPresenceForTest() []PresenceEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotPresenceLocked()
}
