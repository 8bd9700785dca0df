// Package logctx enriches slog records with request, session and frame
// metadata carried on the context, so call sites can log without
// re-threading identifiers through every signature.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("user_agent", rd.UserAgent),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("username", sd.Username),
		))
	}

	if fd, ok := ctx.Value(frameDataKey{}).(*FrameData); ok {
		r.AddAttrs(slog.Group("frame",
			slog.String("command", fd.Command),
			slog.String("destination", fd.Destination),
			slog.String("subscription", fd.SubscriptionID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	UserID    string
	Username  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type frameDataKey struct{}

// FrameData describes the realtime frame being processed.
type FrameData struct {
	Command        string
	Destination    string
	SubscriptionID string
}

func WithFrameData(ctx context.Context, data *FrameData) context.Context {
	return context.WithValue(ctx, frameDataKey{}, data)
}
