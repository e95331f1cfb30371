package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/internal/protocol"
	"github.com/collabmd/collabmd/pkg/logger"
)

// heartbeatTimeout bounds how long a connection may go without an
// inbound frame before it is treated as dead.
const heartbeatTimeout = 30 * time.Second

// Connection manages one client's WebSocket session against a single
// document: the join handshake, the edit/cursor/ime/profile/ping
// dispatch loop, and forwarding the document's broadcasts back out.
type Connection struct {
	doc      *document.Document
	password string
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex

	clientID string

	closeMu     sync.Mutex
	closeStatus websocket.StatusCode
}

// NewConnection creates a connection handler for an already-upgraded
// socket. password is the credential extracted from the WebSocket
// URL's token query parameter (empty if the document has none).
func NewConnection(doc *document.Document, password string, conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{doc: doc, password: password, conn: conn, ctx: ctx, cancel: cancel}
}

// Handle runs the connection's lifecycle to completion: the join
// handshake, then the frame dispatch loop, until the socket closes,
// the heartbeat lapses, or a malformed frame is received. The passed
// ctx is merged with the connection's own cancellation so a
// disconnect raised from the broadcast forwarder (e.g. backpressure)
// unblocks an in-flight read instead of waiting out the heartbeat.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	defer c.cleanup()

	sub, err := c.awaitJoin(ctx)
	if err != nil {
		return err
	}

	forwarderDone := make(chan struct{})
	go c.forwardEvents(sub, forwarderDone)
	defer func() { <-forwarderDone }()

	for {
		var msg protocol.ClientMsg
		if err := c.readFrame(ctx, &msg); err != nil {
			return err
		}
		if err := c.dispatch(&msg); err != nil {
			return err
		}
	}
}

// setCloseStatus records the WebSocket close code http.go should send
// once Handle returns, keeping whichever cause was recorded first.
func (c *Connection) setCloseStatus(status websocket.StatusCode) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeStatus == 0 {
		c.closeStatus = status
	}
}

// CloseStatus reports the WebSocket close code this session's
// disconnect cause implies, defaulting to a normal closure.
func (c *Connection) CloseStatus() websocket.StatusCode {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeStatus == 0 {
		return websocket.StatusNormalClosure
	}
	return c.closeStatus
}

// awaitJoin blocks until the client's first frame is a join, attaches
// the session to the document, and sends the initial snapshot and
// presence snapshot.
func (c *Connection) awaitJoin(ctx context.Context) (<-chan *document.Event, error) {
	var msg protocol.ClientMsg
	if err := c.readFrame(ctx, &msg); err != nil {
		return nil, err
	}
	if msg.Join == nil {
		c.send(protocol.NewErrorMsg("malformed_frame", "first frame must be join"))
		c.setCloseStatus(websocket.StatusInvalidFramePayloadData)
		return nil, errors.New("first frame was not join")
	}

	clientID := msg.Join.ClientID
	if clientID == "" || c.doc.HasSubscriber(clientID) {
		clientID = uuid.NewString()
	}

	sub, result := c.doc.Subscribe(clientID, func(hash []byte) bool {
		return document.CheckPassword(hash, c.password)
	})
	if result.Auth == document.AuthNeedsPassword {
		c.send(protocol.NewErrorMsg("unauthorised", "password required or incorrect"))
		return nil, errors.New("unauthorised join")
	}
	c.clientID = clientID

	if err := c.send(protocol.NewSnapshotMsg(c.doc.Slug(), result)); err != nil {
		return nil, fmt.Errorf("send snapshot: %w", err)
	}
	if err := c.send(protocol.NewPresenceSnapshotMsg(result.Presence)); err != nil {
		return nil, fmt.Errorf("send presence snapshot: %w", err)
	}

	if msg.Join.Label != "" || msg.Join.Color != "" {
		c.applyProfile(msg.Join.Label, msg.Join.Color)
	}
	return sub, nil
}

func (c *Connection) readFrame(ctx context.Context, msg *protocol.ClientMsg) error {
	readCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	err := wsjson.Read(readCtx, c.conn, msg)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return err
		}
		return fmt.Errorf("read frame: %w", err)
	}
	return nil
}

// dispatch routes one inbound frame per the hub's frame dispatch
// rules: edit persists and broadcasts, cursor/ime/profile only update
// presence, ping is answered with pong.
func (c *Connection) dispatch(msg *protocol.ClientMsg) error {
	switch {
	case msg.Edit != nil:
		return c.handleEdit(msg.Edit)
	case msg.Cursor != nil:
		cursor := msg.Cursor.Cursor.ToCursorState()
		c.doc.UpdatePresence(c.clientID, nil, nil, &cursor, nil)
	case msg.Ime != nil:
		ime := msg.Ime.Ime.ToImeEvent()
		c.doc.UpdatePresence(c.clientID, nil, nil, nil, &ime)
	case msg.Profile != nil:
		label, color := "", ""
		if msg.Profile.Label != nil {
			label = *msg.Profile.Label
		}
		if msg.Profile.Color != nil {
			color = *msg.Profile.Color
		}
		c.applyProfile(label, color)
	case msg.Ping != nil:
		return c.send(&protocol.ServerMsg{Pong: &protocol.PongMsg{}})
	case msg.Join != nil:
		c.send(protocol.NewErrorMsg("malformed_frame", "already joined"))
		c.setCloseStatus(websocket.StatusInvalidFramePayloadData)
		return errors.New("duplicate join frame")
	}
	return nil
}

// applyProfile truncates an overlong label to MaxLabelCodepoints and
// drops a malformed colour, per the presence sub-engine rules, then
// applies whatever survives.
func (c *Connection) applyProfile(label, color string) {
	var labelPtr, colorPtr *string
	if label != "" {
		runes := []rune(label)
		if len(runes) > document.MaxLabelCodepoints {
			label = string(runes[:document.MaxLabelCodepoints])
		}
		labelPtr = &label
	}
	if color != "" && document.ValidateProfile(label, color) {
		colorPtr = &color
	}
	if labelPtr == nil && colorPtr == nil {
		return
	}
	c.doc.UpdatePresence(c.clientID, labelPtr, colorPtr, nil, nil)
}

func (c *Connection) handleEdit(msg *protocol.EditMsg) error {
	req, err := msg.ToEditRequest(c.clientID)
	if err != nil {
		c.send(protocol.NewErrorMsg("malformed_frame", err.Error()))
		c.setCloseStatus(websocket.StatusInvalidFramePayloadData)
		return fmt.Errorf("malformed edit: %w", err)
	}

	result := c.doc.ApplyEdit(req)
	if !result.Accepted {
		return c.send(protocol.NewErrorMsg(string(result.Reason), ""))
	}
	return nil
}

// forwardEvents relays the document's broadcasts (applied,
// presence_snapshot, presence_diff, password_changed) to this client
// until the subscription channel closes (backpressure disconnect or
// document close) or the connection is cancelled.
func (c *Connection) forwardEvents(sub <-chan *document.Event, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				if c.doc.TakeDisconnectReason(c.clientID) == document.DisconnectBackpressure {
					c.setCloseStatus(websocket.StatusTryAgainLater)
				}
				c.cancel()
				return
			}
			if err := c.sendEvent(evt); err != nil {
				logger.Warn("connection %s: forward failed: %v", c.clientID, err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) sendEvent(evt *document.Event) error {
	switch {
	case evt.Applied != nil:
		return c.send(protocol.NewAppliedMsg(*evt.Applied))
	case evt.PresenceDiff != nil:
		return c.send(protocol.NewPresenceDiffMsg(*evt.PresenceDiff))
	case evt.PresenceSnapshot != nil:
		return c.send(protocol.NewPresenceSnapshotMsg(evt.PresenceSnapshot.Entries))
	case evt.PasswordChanged != nil:
		// Password changes don't have a dedicated wire frame; a
		// reconnect picks up the new protection state via join.
		return nil
	}
	return nil
}

func (c *Connection) send(msg *protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, msg)
}

func (c *Connection) cleanup() {
	if c.clientID != "" {
		c.doc.Unsubscribe(c.clientID)
	}
	c.cancel()
}
