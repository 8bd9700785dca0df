package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/internal/logctx"
	"github.com/cocomposer/cocomposer/realtime/stomp"
	"github.com/cocomposer/cocomposer/sessions"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
	maxFrameSize  = 1 << 20
)

type conn struct {
	srv  *Server
	ws   *websocket.Conn
	sess *sessions.Session
	id   string
	log  *slog.Logger

	sendCh  chan []byte
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	reason  CloseReason

	mu        sync.Mutex
	subs      map[string]*subscription
	connected bool
}

type subscription struct {
	id            string
	destination   string
	compositionID string // non-empty for composition topics
	cancel        context.CancelFunc
	src           broker.Subscription
}

func newConn(srv *Server, ws *websocket.Conn, sess *sessions.Session) *conn {
	id := uuid.NewString()
	return &conn{
		srv:     srv,
		ws:      ws,
		sess:    sess,
		id:      id,
		log:     srv.log.With(slog.String("conn_id", id)),
		sendCh:  make(chan []byte, sendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscription),
	}
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop()
	defer c.teardown(ctx)

	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.close(CloseCooperative)
			} else {
				c.close(CloseFault)
			}
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		frame, err := stomp.Unmarshal(data)
		if err != nil {
			c.sendError("malformed frame", err.Error())
			c.close(ClosePolicy)
			return
		}
		if terminal := c.dispatch(ctx, frame); terminal {
			return
		}
	}
}

func (c *conn) dispatch(ctx context.Context, f *stomp.Frame) bool {
	dest, _ := f.Header(stomp.HdrDestination)
	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{
		Command:     string(f.Command),
		Destination: dest,
	})

	if !c.connected && f.Command != stomp.CmdConnect && f.Command != stomp.CmdStomp {
		c.sendError("not connected", "expected CONNECT")
		c.close(ClosePolicy)
		return true
	}

	switch f.Command {
	case stomp.CmdConnect, stomp.CmdStomp:
		return c.handleConnect(f)
	case stomp.CmdSubscribe:
		return c.handleSubscribe(ctx, f)
	case stomp.CmdUnsubscribe:
		return c.handleUnsubscribe(ctx, f)
	case stomp.CmdSend:
		return c.handleSend(ctx, f)
	case stomp.CmdDisconnect:
		c.sendReceipt(f)
		c.close(CloseCooperative)
		return true
	default:
		c.sendError("unexpected frame", string(f.Command))
		c.close(ClosePolicy)
		return true
	}
}

func (c *conn) handleConnect(f *stomp.Frame) bool {
	if c.connected {
		c.sendError("already connected", "")
		c.close(ClosePolicy)
		return true
	}
	if av, ok := f.Header(stomp.HdrAcceptVersion); ok && !acceptsVersion(av) {
		c.sendError("unsupported protocol version", "server speaks "+stomp.Version)
		c.close(ClosePolicy)
		return true
	}
	c.connected = true
	c.enqueue(stomp.NewFrame(stomp.CmdConnected,
		stomp.HdrVersion, stomp.Version,
		"heart-beat", "0,0",
		"session", c.id,
	))
	return false
}

func acceptsVersion(acceptVersion string) bool {
	for _, v := range strings.Split(acceptVersion, ",") {
		if strings.TrimSpace(v) == stomp.Version {
			return true
		}
	}
	return false
}

func (c *conn) handleSubscribe(ctx context.Context, f *stomp.Frame) bool {
	id, _ := f.Header(stomp.HdrID)
	dest, _ := f.Header(stomp.HdrDestination)
	if id == "" || dest == "" {
		c.sendError("SUBSCRIBE requires id and destination", "")
		c.close(ClosePolicy)
		return true
	}

	var (
		topic         string
		compositionID string
	)
	switch {
	case strings.HasPrefix(dest, topicPrefix):
		compositionID = strings.TrimPrefix(dest, topicPrefix)
		dec, err := c.srv.cfg.Gate.Authorize(ctx, c.sess.Identity, compositionID)
		if err != nil {
			c.log.ErrorContext(ctx, "authorize failed", slog.String("error", err.Error()))
			c.sendError("internal error", "")
			c.close(CloseFault)
			return true
		}
		if !dec.Allowed {
			// Same rejection whether the composition is private or does
			// not exist, so ids cannot be probed over this channel.
			c.sendError(BrokerRejectionMessage, "subscription to "+dest+" rejected")
			c.close(ClosePolicy)
			return true
		}
		topic = broker.TopicForComposition(compositionID)
	case dest == queueErrors || dest == queueCompositions:
		topic = broker.UserQueueTopic(c.sess.Identity.UserID, dest[strings.LastIndexByte(dest, '/')+1:])
	default:
		c.sendError(BrokerRejectionMessage, "no such destination "+dest)
		c.close(ClosePolicy)
		return true
	}

	c.mu.Lock()
	if _, dup := c.subs[id]; dup {
		c.mu.Unlock()
		c.sendError("duplicate subscription id", id)
		c.close(ClosePolicy)
		return true
	}
	c.mu.Unlock()

	src, err := c.srv.cfg.Broker.Subscribe(ctx, topic)
	if err != nil {
		c.log.ErrorContext(ctx, "broker subscribe failed", slog.String("error", err.Error()))
		c.sendError("internal error", "")
		c.close(CloseFault)
		return true
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{id: id, destination: dest, compositionID: compositionID, cancel: cancel, src: src}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	go c.pump(subCtx, sub)

	if compositionID != "" {
		members := c.srv.presence.join(compositionID, c, c.sess.Identity)
		snapshot := compositions.ConnectedMembers{
			InfoType:      compositions.InfoConnectedMembers,
			CompositionID: compositionID,
			Members:       members,
		}
		queue := broker.UserQueueTopic(c.sess.Identity.UserID, "compositions")
		if _, err := c.srv.cfg.Broker.Publish(ctx, queue, snapshot.Encode()); err != nil {
			c.log.WarnContext(ctx, "connected-members snapshot not delivered", slog.String("error", err.Error()))
		}
	}
	c.sendReceipt(f)
	return false
}

func (c *conn) handleUnsubscribe(ctx context.Context, f *stomp.Frame) bool {
	id, _ := f.Header(stomp.HdrID)
	if id == "" {
		c.sendError("UNSUBSCRIBE requires id", "")
		c.close(ClosePolicy)
		return true
	}
	c.mu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if sub != nil {
		c.release(ctx, sub)
	}
	c.sendReceipt(f)
	return false
}

func (c *conn) handleSend(ctx context.Context, f *stomp.Frame) bool {
	dest, _ := f.Header(stomp.HdrDestination)
	if !strings.HasPrefix(dest, appPrefix) {
		c.sendError(BrokerRejectionMessage, "cannot send to "+dest)
		c.close(ClosePolicy)
		return true
	}
	compositionID := strings.TrimPrefix(dest, appPrefix)

	var order compositions.Order
	if err := json.Unmarshal(f.Body, &order); err != nil {
		c.notifyError(ctx, "undecodable order: "+err.Error())
		c.sendReceipt(f)
		return false
	}
	if _, err := c.srv.cfg.Service.ApplyOrder(ctx, c.sess.Identity, compositionID, &order); err != nil {
		if errors.Is(err, compositions.ErrDenied) || errors.Is(err, compositions.ErrNotFound) {
			c.sendError(BrokerRejectionMessage, "send to "+dest+" rejected")
			c.close(ClosePolicy)
			return true
		}
		// Application-level failures go to the private error queue; the
		// connection stays up.
		c.notifyError(ctx, err.Error())
	}
	c.sendReceipt(f)
	return false
}

// notifyError delivers a private error payload on the user's error
// queue.
func (c *conn) notifyError(ctx context.Context, msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	queue := broker.UserQueueTopic(c.sess.Identity.UserID, "errors")
	if _, err := c.srv.cfg.Broker.Publish(ctx, queue, payload); err != nil {
		c.log.WarnContext(ctx, "private error not delivered", slog.String("error", err.Error()))
	}
}

// pump forwards one subscription's events as MESSAGE frames.
func (c *conn) pump(ctx context.Context, sub *subscription) {
	for {
		env, err := sub.src.Next(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrSlowConsumer) {
				c.log.Warn("subscriber overflowed, dropping connection",
					slog.String("subscription", sub.id))
				c.close(ClosePolicy)
			}
			return
		}
		frame := stomp.NewFrame(stomp.CmdMessage,
			stomp.HdrSubscription, sub.id,
			stomp.HdrMessageID, env.ID,
			stomp.HdrDestination, sub.destination,
			stomp.HdrContentType, "application/json",
		)
		frame.Body = env.Data
		if !c.enqueue(frame) {
			return
		}
	}
}

// release stops a subscription and announces MEMBER_LEFT if it was a
// composition topic this connection was present on.
func (c *conn) release(ctx context.Context, sub *subscription) {
	sub.cancel()
	sub.src.Close()
	if sub.compositionID == "" {
		return
	}
	ident, wasPresent := c.srv.presence.leave(sub.compositionID, c)
	if !wasPresent {
		return
	}
	info := compositions.SubscriptionInfo{
		InfoType: compositions.InfoMemberLeft,
		Email:    ident.Email,
		Username: ident.Username,
	}
	topic := broker.TopicForComposition(sub.compositionID)
	if _, err := c.srv.cfg.Broker.Publish(ctx, topic, info.Encode()); err != nil {
		c.log.WarnContext(ctx, "member-left not announced", slog.String("error", err.Error()))
	}
}

// teardown destroys all subscriptions when the connection ends.
func (c *conn) teardown(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.release(ctx, sub)
	}
}

// enqueue queues a frame for the write loop. A full queue means the
// client cannot keep up, and the connection is dropped rather than
// letting it stall delivery machinery upstream.
func (c *conn) enqueue(f *stomp.Frame) bool {
	data := stomp.Marshal(f)
	select {
	case c.sendCh <- data:
		return true
	case <-c.closing:
		return false
	default:
		c.log.Warn("send queue full, dropping connection")
		c.close(ClosePolicy)
		return false
	}
}

func (c *conn) sendError(message, detail string) {
	f := stomp.NewFrame(stomp.CmdError,
		stomp.HdrMessage, message,
		stomp.HdrContentType, "text/plain",
	)
	if detail != "" {
		f.Body = []byte(detail)
	}
	c.enqueue(f)
}

func (c *conn) sendReceipt(f *stomp.Frame) {
	if rc, ok := f.Header(stomp.HdrReceipt); ok && rc != "" {
		c.enqueue(stomp.NewFrame(stomp.CmdReceipt, stomp.HdrReceiptID, rc))
	}
}

// close requests teardown with the given reason. The write loop drains
// already-queued frames (so a final ERROR frame reaches the client)
// before sending the close frame.
func (c *conn) close(reason CloseReason) {
	c.once.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

func (c *conn) writeLoop() {
	defer func() {
		close(c.done)
		_ = c.ws.Close()
	}()
	for {
		select {
		case data := <-c.sendCh:
			if !c.write(data) {
				return
			}
		case <-c.closing:
			for {
				select {
				case data := <-c.sendCh:
					if !c.write(data) {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(c.reason.code(), string(c.reason))
					_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (c *conn) write(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.once.Do(func() { c.reason = CloseFault; close(c.closing) })
		return false
	}
	return true
}
