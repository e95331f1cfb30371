package document

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabmd/collabmd/internal/ot"
	"github.com/collabmd/collabmd/internal/textbuf"
	"github.com/collabmd/collabmd/pkg/logger"
)

// DefaultWindow is the transform window W: the number of trailing
// op_log entries (or the retention age, whichever is larger) that an
// edit's base_rev is allowed to lag behind. Callers may override via
// Config.Window.
const DefaultWindow = 1024

// Config configures a new or recovered Document.
type Config struct {
	Slug             string
	Window           uint64        // W; 0 defaults to DefaultWindow
	WindowAge        time.Duration // ops younger than this are kept even past Window
	BroadcastBufSize int           // per-subscriber channel buffer; 0 defaults to 256
	Persister        Persister
}

// Document is the per-slug authoritative state machine. It exclusively
// owns text, rev, op_log, password_hash and presence for its slug.
type Document struct {
	slug      string
	persister Persister
	window    uint64
	windowAge time.Duration
	bufSize   int

	mu           sync.RWMutex
	state        State
	buf          *textbuf.Buffer
	rev          uint64
	passwordHash []byte
	title        string
	opLog        []ot.AppliedOp
	presence     map[string]*PresenceEntry
	subscribers  map[string]chan *Event

	dedup      map[string]ApplyResult
	dedupOrder []string

	disconnectReasons map[string]DisconnectReason

	degraded atomic.Bool
	closed   atomic.Bool

	clientSeq atomic.Uint64
}

// New creates an empty Document in the Ready state, at revision 0.
func New(cfg Config) *Document {
	return newDoc(cfg, "", 0, nil, "", nil)
}

// Restore reconstructs a Document from durably-persisted state (the
// durability layer's recovery output), entering Ready directly since
// recovery has already completed.
func Restore(cfg Config, text string, rev uint64, passwordHash []byte, title string, tail []ot.AppliedOp) *Document {
	return newDoc(cfg, text, rev, passwordHash, title, tail)
}

func newDoc(cfg Config, text string, rev uint64, passwordHash []byte, title string, tail []ot.AppliedOp) *Document {
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	bufSize := cfg.BroadcastBufSize
	if bufSize == 0 {
		bufSize = 256
	}
	d := &Document{
		slug:              cfg.Slug,
		persister:         cfg.Persister,
		window:            window,
		windowAge:         cfg.WindowAge,
		bufSize:           bufSize,
		state:             Ready,
		buf:               textbuf.New(text),
		rev:               rev,
		passwordHash:      passwordHash,
		title:             title,
		opLog:             tail,
		presence:          make(map[string]*PresenceEntry),
		subscribers:       make(map[string]chan *Event),
		dedup:             make(map[string]ApplyResult),
		disconnectReasons: make(map[string]DisconnectReason),
	}
	return d
}

// Slug returns the document's slug.
func (d *Document) Slug() string {
	return d.slug
}

// State returns the document's current lifecycle state.
func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Degraded reports whether the last durability write failed and the
// persister has not yet recovered.
func (d *Document) Degraded() bool {
	return d.degraded.Load()
}

// Rev returns the current revision.
func (d *Document) Rev() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rev
}

// Text returns a copy of the current authoritative text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.buf.Text()
}

// SubscriberCount returns the number of currently attached sessions.
func (d *Document) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// HasPassword reports whether the document is currently password
// protected.
func (d *Document) HasPassword() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.passwordHash) > 0
}

// HasSubscriber reports whether clientID is already attached, used to
// decide whether a client-proposed id in a join frame can be honored.
func (d *Document) HasSubscriber(clientID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subscribers[clientID]
	return ok
}

// VerifyPassword reports whether plaintext matches the document's
// current password, or is trivially true when it has none. Used by
// the HTTP snapshot endpoint's Basic-auth check, which must not
// mutate subscriber state the way Subscribe does.
func (d *Document) VerifyPassword(plaintext string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return CheckPassword(d.passwordHash, plaintext)
}

// dedupKey builds the dedup cache key for an author+op_id pair.
func dedupKey(authorID, opID string) string {
	return authorID + "\x00" + opID
}

// Subscribe attaches a session to the document, returning the current
// snapshot and an event channel for broadcasts. checkPassword is
// called only when the document is protected; it should compare the
// presented credential and return true on success.
func (d *Document) Subscribe(clientID string, checkPassword func(hash []byte) bool) (<-chan *Event, SubscribeResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	auth := AuthOK
	if len(d.passwordHash) > 0 {
		if checkPassword == nil || !checkPassword(d.passwordHash) {
			auth = AuthNeedsPassword
		}
	}

	ch := make(chan *Event, d.bufSize)
	result := SubscribeResult{
		Rev:      d.rev,
		Text:     d.buf.Text(),
		Presence: d.snapshotPresenceLocked(),
		Auth:     auth,
	}
	if auth != AuthNeedsPassword {
		d.subscribers[clientID] = ch
	}
	return ch, result
}

// Unsubscribe detaches a session and tells every remaining subscriber
// its presence entry, if any, is gone.
func (d *Document) Unsubscribe(clientID string) {
	d.mu.Lock()
	if ch, ok := d.subscribers[clientID]; ok {
		close(ch)
		delete(d.subscribers, clientID)
	}
	delete(d.presence, clientID)
	d.mu.Unlock()

	d.broadcastPresenceDiff(nil, nil, []string{clientID})
}

// Close transitions the document to Closed, disconnecting every
// subscriber. Safe to call multiple times.
func (d *Document) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	d.state = Closed
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
}

// ApplyEdit validates, transforms and applies a client edit.
func (d *Document) ApplyEdit(req EditRequest) ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return ApplyResult{Reason: ReasonUnauthorised}
	}

	if cached, ok := d.dedup[dedupKey(req.AuthorID, req.OpID)]; ok {
		return cached
	}

	if req.BaseRev > d.rev {
		return ApplyResult{Reason: ReasonBaseTooOld}
	}
	if d.rev-req.BaseRev > d.window {
		return ApplyResult{Reason: ReasonBaseTooOld}
	}
	if len(req.Ops) == 0 {
		return ApplyResult{Reason: ReasonMalformed}
	}

	if !d.persister.Healthy() {
		return ApplyResult{Reason: ReasonStorageUnavailable}
	}

	working := ot.TransformAgainstLog(req.Ops, req.AuthorID, req.BaseRev, d.opLog)

	now := time.Now().UnixMilli()
	var applied []ot.AppliedOp
	for _, op := range working {
		if op.IsNoop() {
			continue
		}
		newRev := d.rev + 1
		record := ot.AppliedOp{Rev: newRev, Op: op.Clamp(uint32(d.buf.Len())), AuthorID: req.AuthorID, OpID: req.OpID, TsMs: now}
		if err := d.persister.Append(record); err != nil {
			d.degraded.Store(true)
			logger.Warn("document %s: persist failed at rev %d: %v", d.slug, newRev, err)
			return ApplyResult{Reason: ReasonStorageUnavailable}
		}
		d.degraded.Store(false)
		ot.Apply(d.buf, record.Op)
		d.rev = newRev
		d.appendLogLocked(record)
		applied = append(applied, record)
		d.transformPresenceLocked(record.Op)
	}

	result := ApplyResult{Accepted: true, Rev: d.rev, OpID: req.OpID, TransformedOps: working}
	d.rememberDedupLocked(req.AuthorID, req.OpID, result)

	if len(applied) > 0 {
		d.broadcastLocked(&Event{Applied: &AppliedEvent{Rev: d.rev, AuthorID: req.AuthorID, OpID: req.OpID, TransformedOps: working}})
	}
	return result
}

func (d *Document) appendLogLocked(op ot.AppliedOp) {
	d.opLog = append(d.opLog, op)
	d.trimLogLocked()
}

func (d *Document) trimLogLocked() {
	if uint64(len(d.opLog)) <= d.window {
		return
	}
	cutoff := int64(0)
	if d.windowAge > 0 {
		cutoff = time.Now().Add(-d.windowAge).UnixMilli()
	}
	excess := uint64(len(d.opLog)) - d.window
	var trim int
	for trim = 0; uint64(trim) < excess; trim++ {
		if cutoff > 0 && d.opLog[trim].TsMs >= cutoff {
			break
		}
	}
	if trim > 0 {
		d.opLog = append([]ot.AppliedOp(nil), d.opLog[trim:]...)
	}
}

func (d *Document) rememberDedupLocked(authorID, opID string, result ApplyResult) {
	key := dedupKey(authorID, opID)
	if _, exists := d.dedup[key]; exists {
		return
	}
	d.dedup[key] = result
	d.dedupOrder = append(d.dedupOrder, key)
	if uint64(len(d.dedupOrder)) > d.window {
		oldest := d.dedupOrder[0]
		d.dedupOrder = d.dedupOrder[1:]
		delete(d.dedup, oldest)
	}
}

// broadcastLocked sends evt to every subscriber without blocking; a
// full channel means that session is over backpressure capacity, and
// Document disconnects it by recording DisconnectBackpressure and
// closing the channel itself, so the connection's event forwarder
// observes channel-closed and ends the session.
func (d *Document) broadcastLocked(evt *Event) {
	for id, ch := range d.subscribers {
		select {
		case ch <- evt:
		default:
			logger.Warn("document %s: subscriber %s backpressure, disconnecting", d.slug, id)
			d.disconnectReasons[id] = DisconnectBackpressure
			close(ch)
			delete(d.subscribers, id)
		}
	}
}

// TakeDisconnectReason reports why clientID's channel was closed by
// the Document (DisconnectNormal if there's no record), clearing the
// record so a later session reusing the same client id starts clean.
func (d *Document) TakeDisconnectReason(clientID string) DisconnectReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.disconnectReasons[clientID]
	if !ok {
		return DisconnectNormal
	}
	delete(d.disconnectReasons, clientID)
	return reason
}

func (d *Document) broadcast(evt *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastLocked(evt)
}

// SetPassword calls verifyCurrent with the stored hash when the
// document has a password (no check is made when it has none) and, on
// success, updates the password hash and persists it.
func (d *Document) SetPassword(verifyCurrent func(hash []byte) bool, newHash []byte) bool {
	d.mu.Lock()
	if len(d.passwordHash) > 0 {
		if verifyCurrent == nil || !verifyCurrent(d.passwordHash) {
			d.mu.Unlock()
			return false
		}
	}
	d.passwordHash = newHash
	title := d.title
	d.mu.Unlock()

	if err := d.persister.SaveMeta(newHash, title); err != nil {
		d.degraded.Store(true)
		logger.Warn("document %s: save password failed: %v", d.slug, err)
		return false
	}
	d.degraded.Store(false)
	d.broadcast(&Event{PasswordChanged: &PasswordChangedEvent{Protected: len(newHash) > 0}})
	return true
}

// SetTitle updates the document's free-form title metadata
// (SUPPLEMENTED FEATURES in SPEC_FULL.md).
func (d *Document) SetTitle(title string) error {
	d.mu.Lock()
	d.title = title
	hash := d.passwordHash
	d.mu.Unlock()
	return d.persister.SaveMeta(hash, title)
}

// Title returns the document's current title metadata.
func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.title
}

// NextClientID returns a per-document sequence number, starting at 0
// and increasing by one on each call.
func (d *Document) NextClientID() uint64 {
	return d.clientSeq.Add(1) - 1
}
