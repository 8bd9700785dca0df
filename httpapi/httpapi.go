// Package httpapi serves the REST surface: login/logout, the CSRF
// bootstrap endpoint, account management and composition CRUD. Every
// mutating exchange is token-checked before any domain logic runs and
// rotates the session's token slot only on success, so a rejected call
// leaves the client's held token valid for retry.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/cocomposer/cocomposer/accounts"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/csrf"
	"github.com/cocomposer/cocomposer/internal/logctx"
	"github.com/cocomposer/cocomposer/internal/sigtoken"
	"github.com/cocomposer/cocomposer/sessions"
)

const maxBodySize = 1 << 20

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config wires a Server's collaborators. Logger is optional.
type Config struct {
	Accounts accounts.Store
	Sessions sessions.Store
	Cookies  *sigtoken.Signer
	CSRF     *csrf.Rotator
	Service  *compositions.Service

	Logger *slog.Logger

	// SecureCookies marks the session cookie Secure; disable only for
	// plain-HTTP development setups.
	SecureCookies bool
}

// Server is the REST handler.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux
}

// NewServer validates cfg and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Accounts == nil:
		return nil, errors.New("httpapi: account store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("httpapi: session store is required")
	case cfg.Cookies == nil:
		return nil, errors.New("httpapi: cookie signer is required")
	case cfg.CSRF == nil:
		return nil, errors.New("httpapi: csrf rotator is required")
	case cfg.Service == nil:
		return nil, errors.New("httpapi: composition service is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{cfg: cfg, log: log, mux: http.NewServeMux()}

	s.mux.Handle("POST /api/login", s.route(false, s.handleLogin))
	s.mux.Handle("POST /api/logout", s.route(true, s.handleLogout))
	s.mux.Handle("GET /api/v1/rest/csrf", s.route(true, s.handleCSRFToken))

	s.mux.Handle("GET /api/v1/rest/accounts/myself", s.route(true, s.handleMyself))
	s.mux.Handle("POST /api/v1/rest/accounts", s.route(false, s.handleAccountCreate))
	s.mux.Handle("PATCH /api/v1/rest/accounts/{id}", s.route(true, s.handleAccountUpdatePassword))
	s.mux.Handle("DELETE /api/v1/rest/accounts/{id}", s.route(true, s.handleAccountDelete))

	s.mux.Handle("GET /api/v1/rest/compositions", s.route(true, s.handleCompositionList))
	s.mux.Handle("POST /api/v1/rest/compositions", s.route(true, s.handleCompositionCreate))
	s.mux.Handle("GET /api/v1/rest/compositions/{id}", s.route(true, s.handleCompositionGet))
	s.mux.Handle("DELETE /api/v1/rest/compositions/{id}", s.route(true, s.handleCompositionDelete))
	s.mux.Handle("PATCH /api/v1/rest/compositions/{id}/title", s.route(true, s.handleTitle))
	s.mux.Handle("PATCH /api/v1/rest/compositions/{id}/collaborative", s.route(true, s.handleCollaborative))
	s.mux.Handle("POST /api/v1/rest/compositions/{id}/elements", s.route(true, s.handleElementAdd))
	s.mux.Handle("PUT /api/v1/rest/compositions/{id}/elements/{elementId}", s.route(true, s.handleElementUpdate))
	s.mux.Handle("PATCH /api/v1/rest/compositions/{id}/elements/{elementId}", s.route(true, s.handleElementMove))
	s.mux.Handle("DELETE /api/v1/rest/compositions/{id}/elements/{elementId}", s.route(true, s.handleElementDelete))

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// result is what a handler produces. The route wrapper writes it after
// performing the post-success token rotation, so rotation headers are in
// place before the status line goes out.
type result struct {
	status int
	body   any

	// rotate names the session whose token slot rotates with this
	// response; nil means the request's session.
	rotate *sessions.Session
	// noRotate suppresses rotation (logout, account deletion).
	noRotate bool
}

type apiHandler func(w http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error)

func (s *Server) route(requireAuth bool, h apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := logctx.WithRequestData(req.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     req.Method,
			Path:       req.URL.Path,
			RemoteAddr: req.RemoteAddr,
			UserAgent:  req.UserAgent(),
		})
		req = req.WithContext(ctx)

		if _, err := csrf.EnsureCookie(w, req); err != nil {
			s.fail(w, req, http.StatusInternalServerError, "internal error")
			return
		}

		sess := s.resolveSession(req)
		if sess != nil {
			ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
				SessionID: sess.ID,
				UserID:    sess.Identity.UserID,
				Username:  sess.Identity.Username,
			})
			req = req.WithContext(ctx)
		}
		if requireAuth && sess == nil {
			s.fail(w, req, http.StatusUnauthorized, "authentication required")
			return
		}

		mutating := req.Method != http.MethodGet && req.Method != http.MethodHead && req.Method != http.MethodOptions
		if mutating {
			if err := s.cfg.CSRF.Verify(req, sess); err != nil {
				s.fail(w, req, http.StatusForbidden, "missing or stale token")
				return
			}
		}

		req.Body = http.MaxBytesReader(w, req.Body, maxBodySize)
		res, err := h(w, req, sess)
		if err != nil {
			s.failErr(w, req, err)
			return
		}

		if mutating && !res.noRotate {
			target := res.rotate
			if target == nil {
				target = sess
			}
			if target != nil {
				if _, _, err := s.cfg.CSRF.Rotate(ctx, w, target.ID); err != nil {
					s.log.ErrorContext(ctx, "token rotation failed", slog.String("error", err.Error()))
					s.fail(w, req, http.StatusInternalServerError, "internal error")
					return
				}
			}
		}

		s.respond(w, req, res.status, res.body)
		s.log.InfoContext(ctx, "request completed",
			slog.Int("status", res.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) resolveSession(req *http.Request) *sessions.Session {
	c, err := req.Cookie(sessions.CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	sid, err := s.cfg.Cookies.Verify(c.Value)
	if err != nil {
		return nil
	}
	sess, err := s.cfg.Sessions.Get(req.Context(), sid)
	if err != nil {
		return nil
	}
	return sess
}

func (s *Server) respond(w http.ResponseWriter, req *http.Request, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(req, []contenttype.MediaType{jsonMediaType}); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WarnContext(req.Context(), "response write failed", slog.String("error", err.Error()))
	}
}

func (s *Server) fail(w http.ResponseWriter, req *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
	s.log.InfoContext(req.Context(), "request rejected",
		slog.Int("status", status), slog.String("reason", msg))
}

func (s *Server) failErr(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, errBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, accounts.ErrBadCredentials):
		status, msg = http.StatusUnauthorized, "bad credentials"
	case errors.Is(err, errForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, sessions.ErrAlreadyAuthenticated), errors.Is(err, accounts.ErrDuplicate):
		status, msg = http.StatusConflict, err.Error()
	// Denied and absent present identically so private composition ids
	// cannot be probed.
	case errors.Is(err, compositions.ErrDenied), errors.Is(err, compositions.ErrNotFound),
		errors.Is(err, accounts.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	default:
		s.log.ErrorContext(req.Context(), "handler failed", slog.String("error", err.Error()))
	}
	s.fail(w, req, status, msg)
}

// decode reads a JSON request body into dst, rejecting non-JSON content
// types and unknown fields.
func decode(req *http.Request, dst any) error {
	if req.Header.Get("Content-Type") != "" {
		mt, err := contenttype.GetMediaType(req)
		if err != nil || !mt.Matches(jsonMediaType) {
			return fmt.Errorf("%w: expected application/json", errBadRequest)
		}
	}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sid string) error {
	signed, err := s.cfg.Cookies.Sign(sid)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessions.CookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessions.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		MaxAge:   -1,
	})
}
