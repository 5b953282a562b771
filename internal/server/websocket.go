package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 5 * time.Second
	wsMaxMessageSize = 64 << 10
)

// inbound is a client message whose payload is decoded per type.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsSession is one live connection. It implements broadcast.Channel for every
// job it subscribes to.
type wsSession struct {
	srv       *Server
	conn      *websocket.Conn
	principal broadcast.Principal

	writeMu sync.Mutex
	broken  bool // guarded by writeMu; a failed write leaves the conn unusable

	subMu sync.Mutex
	subs  map[types.JobID]*broadcast.Subscription
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, err := s.requestPrincipal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	sess := &wsSession{
		srv:       s,
		conn:      conn,
		principal: p,
		subs:      make(map[types.JobID]*broadcast.Subscription),
	}
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	s.logger.Debug("websocket connected", "principal", p.ID, "remote", r.RemoteAddr)
	sess.readLoop(r.Context())
}

// Deliver implements broadcast.Channel.
func (c *wsSession) Deliver(ctx context.Context, n broadcast.Notification) error {
	for _, msg := range messagesFor(n) {
		if err := c.write(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsSession) write(ctx context.Context, msg Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.broken {
		return broadcast.ErrChannelClosed
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		c.broken = true
		c.conn.Close()
		return errors.Join(broadcast.ErrChannelClosed, err)
	}
	return nil
}

func (c *wsSession) readLoop(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("websocket read failed", "principal", c.principal.ID, "error", err)
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("", "malformed message", "")
				continue
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *wsSession) handle(ctx context.Context, msg inbound) {
	switch msg.Type {
	case MsgPing:
		c.write(ctx, Envelope{Type: MsgPong})

	case MsgSubmit:
		var req SubmitRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("", "invalid submit payload", "")
			return
		}
		cfg, err := req.Config.Configuration()
		if err != nil {
			c.sendError("", err.Error(), "")
			return
		}
		in, err := resolveInput(req.InputRef, req.Filename, c.srv.cfg.InputRoots)
		if err != nil {
			c.sendError("", err.Error(), "")
			return
		}
		id, err := c.srv.reg.Submit(ctx, cfg, in, c.principal.ID)
		if err != nil {
			c.sendError("", err.Error(), "")
			return
		}
		// the backlog carries job_accepted
		c.subscribe(ctx, id, 0)

	case MsgSubscribe:
		var req subscribePayload
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.JobID == "" {
			c.sendError("", "invalid subscribe payload", "")
			return
		}
		c.subscribe(ctx, req.JobID, req.Since)

	case MsgUnsubscribe:
		var req jobRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		c.unsubscribe(req.JobID)

	case MsgCancel:
		var req jobRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.JobID == "" {
			c.sendError("", "invalid cancel payload", "")
			return
		}
		if _, err := c.srv.reg.Cancel(ctx, req.JobID, c.principal); err != nil {
			c.sendError(req.JobID, err.Error(), "")
		}

	default:
		// unknown types are ignored
	}
}

func (c *wsSession) subscribe(ctx context.Context, jobID types.JobID, since uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[jobID]; ok {
		return
	}
	sub, err := c.srv.hub.Subscribe(ctx, jobID, c, c.principal, broadcast.WithReplay(since))
	if err != nil {
		c.sendError(jobID, err.Error(), "")
		return
	}
	c.subs[jobID] = sub
}

func (c *wsSession) unsubscribe(jobID types.JobID) {
	c.subMu.Lock()
	sub, ok := c.subs[jobID]
	delete(c.subs, jobID)
	c.subMu.Unlock()
	if ok {
		c.srv.hub.Unsubscribe(sub)
	}
}

func (c *wsSession) sendError(jobID types.JobID, message string, category types.Category) {
	c.write(context.Background(), Envelope{Type: MsgError, Payload: errorPayload{JobID: jobID, Message: message, Category: category}})
}

func (c *wsSession) close() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[types.JobID]*broadcast.Subscription)
	c.subMu.Unlock()
	for _, sub := range subs {
		c.srv.hub.Unsubscribe(sub)
	}

	c.writeMu.Lock()
	c.broken = true
	c.writeMu.Unlock()
	c.conn.Close()
	c.srv.logger.Debug("websocket closed", "principal", c.principal.ID, "subscriptions", len(subs))
}

func (s *Server) track(sess *wsSession) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *wsSession) {
	s.sessMu.Lock()
	delete(s.sessions, sess)
	s.sessMu.Unlock()
}

// Close drops every live connection and ends running gRPC watches.
// http.Server.Shutdown does not track hijacked websocket connections.
func (s *Server) Close() {
	s.sessMu.Lock()
	if !s.closed {
		close(s.done)
	}
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}
