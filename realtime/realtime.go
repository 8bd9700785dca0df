// Package realtime serves the STOMP-over-WebSocket broadcast channel.
// Connections are authenticated at the HTTP handshake with the session
// cookie plus the CSRF token captured from the bootstrap endpoint;
// subscriptions to composition topics run through the authorization
// gate, and orders published to /app destinations are applied through
// the composition service so REST and realtime mutations share one
// path.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/csrf"
	"github.com/cocomposer/cocomposer/internal/logctx"
	"github.com/cocomposer/cocomposer/internal/sigtoken"
	"github.com/cocomposer/cocomposer/sessions"
)

// BrokerRejectionMessage is the marker carried in the ERROR frame when a
// subscription or send is refused. Deployed clients match on this exact
// text to distinguish a policy rejection from a transport fault.
const BrokerRejectionMessage = "Failed to send message to ExecutorSubscribableChannel"

// CloseReason names the outcome of a connection teardown so clients (and
// tests) never have to infer it from frame contents.
type CloseReason string

const (
	// CloseCooperative is a clean, client-initiated disconnect.
	CloseCooperative CloseReason = "cooperative"
	// ClosePolicy is a server-initiated close after a refused action
	// (failed authorization, protocol violation, slow consumer).
	ClosePolicy CloseReason = "policy"
	// CloseFault is a transport or internal failure not attributable to
	// either side's application logic.
	CloseFault CloseReason = "fault"
)

func (r CloseReason) code() int {
	switch r {
	case CloseCooperative:
		return websocket.CloseNormalClosure
	case ClosePolicy:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// Destinations understood by the server.
const (
	topicPrefix       = "/topic/compositions."
	appPrefix         = "/app/compositions."
	queueErrors       = "/user/queue/errors"
	queueCompositions = "/user/queue/compositions"
)

// Config wires a Server's collaborators. All fields except Logger and
// CheckOrigin are required.
type Config struct {
	Sessions sessions.Store
	Cookies  *sigtoken.Signer
	CSRF     *csrf.Rotator
	Gate     *compositions.Gate
	Service  *compositions.Service
	Broker   broker.Broker

	Logger *slog.Logger

	// CheckOrigin overrides the upgrader's origin policy. Nil means
	// same-origin only (the gorilla default).
	CheckOrigin func(*http.Request) bool
}

// Server upgrades HTTP requests to realtime connections.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	presence *presenceRegistry
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("realtime: session store is required")
	case cfg.Cookies == nil:
		return nil, errors.New("realtime: cookie signer is required")
	case cfg.CSRF == nil:
		return nil, errors.New("realtime: csrf rotator is required")
	case cfg.Gate == nil:
		return nil, errors.New("realtime: authorization gate is required")
	case cfg.Service == nil:
		return nil, errors.New("realtime: composition service is required")
	case cfg.Broker == nil:
		return nil, errors.New("realtime: broker is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		presence: newPresenceRegistry(),
	}, nil
}

// ServeHTTP performs the authenticated handshake and runs the connection
// until it closes. An unauthenticated or token-less request is refused
// before the upgrade, so no subscription is ever processed for it.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sess, err := s.resolveSession(req)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := s.cfg.CSRF.VerifyHandshake(req, sess); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.WarnContext(req.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The request context ends when this handler returns; the connection
	// outlives it in spirit but not in fact, so run the loop here.
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: sess.ID,
		UserID:    sess.Identity.UserID,
		Username:  sess.Identity.Username,
	})
	newConn(s, ws, sess).run(ctx)
}

func (s *Server) resolveSession(req *http.Request) (*sessions.Session, error) {
	c, err := req.Cookie(sessions.CookieName)
	if err != nil || c.Value == "" {
		return nil, sessions.ErrNotFound
	}
	sid, err := s.cfg.Cookies.Verify(c.Value)
	if err != nil {
		return nil, sessions.ErrNotFound
	}
	return s.cfg.Sessions.Get(req.Context(), sid)
}

// presenceRegistry tracks which identities hold a live topic
// subscription per composition, feeding CONNECTED_MEMBERS snapshots and
// MEMBER_LEFT events. Presence is connection state, not membership:
// guest-list entries survive a disconnect, presence does not.
type presenceRegistry struct {
	mu            sync.Mutex
	byComposition map[string]map[*conn]sessions.Identity
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{byComposition: make(map[string]map[*conn]sessions.Identity)}
}

// join records c as present and returns the snapshot after joining.
func (p *presenceRegistry) join(compositionID string, c *conn, ident sessions.Identity) []compositions.ConnectedMember {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byComposition[compositionID]
	if conns == nil {
		conns = make(map[*conn]sessions.Identity)
		p.byComposition[compositionID] = conns
	}
	conns[c] = ident
	members := make([]compositions.ConnectedMember, 0, len(conns))
	for _, id := range conns {
		members = append(members, compositions.ConnectedMember{Username: id.Username, Email: id.Email})
	}
	return members
}

// leave removes c and reports whether it was present.
func (p *presenceRegistry) leave(compositionID string, c *conn) (sessions.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byComposition[compositionID]
	ident, ok := conns[c]
	if ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(p.byComposition, compositionID)
		}
	}
	return ident, ok
}
