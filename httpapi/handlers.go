package httpapi

import (
	"fmt"
	"net/http"

	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/sessions"
)

func (s *Server) handleLogin(w http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	if sess != nil {
		return nil, sessions.ErrAlreadyAuthenticated
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(req, &creds); err != nil {
		return nil, err
	}
	member, err := s.cfg.Accounts.Authenticate(req.Context(), creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}
	ident := sessions.Identity{UserID: member.ID, Username: member.Username, Email: member.Email}
	newSess, err := s.cfg.Sessions.Create(req.Context(), ident)
	if err != nil {
		return nil, err
	}
	if err := s.setSessionCookie(w, newSess.ID); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK, body: ident, rotate: newSess}, nil
}

func (s *Server) handleLogout(w http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	if err := s.cfg.Sessions.Delete(req.Context(), sess.ID); err != nil {
		return nil, err
	}
	s.clearSessionCookie(w)
	return &result{status: http.StatusOK, noRotate: true}, nil
}

// handleCSRFToken is the bootstrap endpoint: it reveals the session's
// current token and the header name it must be echoed under, issuing one
// if the slot is still empty. Being a GET it never rotates.
func (s *Server) handleCSRFToken(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	headerName, token, err := s.cfg.CSRF.Current(req.Context(), sess)
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK, body: map[string]string{
		"headerName": headerName,
		"token":      token,
	}}, nil
}

func (s *Server) handleMyself(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	member, err := s.cfg.Accounts.Get(req.Context(), sess.Identity.UserID)
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK, body: member}, nil
}

func (s *Server) handleAccountCreate(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	if sess != nil {
		return nil, sessions.ErrAlreadyAuthenticated
	}
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username, email and password are required", errBadRequest)
	}
	member, err := s.cfg.Accounts.Create(req.Context(), in.Username, in.Email, in.Password)
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusCreated, body: member}, nil
}

func (s *Server) handleAccountUpdatePassword(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	id := req.PathValue("id")
	if id != sess.Identity.UserID {
		// Mutating someone else's account while logged in as another
		// identity is always refused.
		return nil, errForbidden
	}
	var in struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.NewPassword == "" {
		return nil, fmt.Errorf("%w: newPassword is required", errBadRequest)
	}
	if err := s.cfg.Accounts.UpdatePassword(req.Context(), id, in.CurrentPassword, in.NewPassword); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	id := req.PathValue("id")
	if id != sess.Identity.UserID {
		return nil, errForbidden
	}
	if err := s.cfg.Accounts.Delete(req.Context(), id); err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.Delete(req.Context(), sess.ID); err != nil {
		return nil, err
	}
	s.clearSessionCookie(w)
	return &result{status: http.StatusOK, noRotate: true}, nil
}

func (s *Server) handleCompositionList(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	owned, guested, err := s.cfg.Service.List(req.Context(), sess.Identity)
	if err != nil {
		return nil, err
	}
	body := struct {
		Owned   []compositions.Summary `json:"owned"`
		Guested []compositions.Summary `json:"guested"`
	}{Owned: owned, Guested: guested}
	return &result{status: http.StatusOK, body: body}, nil
}

func (s *Server) handleCompositionCreate(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var in struct {
		Title         string `json:"title"`
		Collaborative bool   `json:"collaborative"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", errBadRequest)
	}
	compo, err := s.cfg.Service.Create(req.Context(), sess.Identity, in.Title, in.Collaborative)
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusCreated, body: compo}, nil
}

func (s *Server) handleCompositionGet(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	compo, err := s.cfg.Service.Get(req.Context(), sess.Identity, req.PathValue("id"))
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK, body: compo}, nil
}

func (s *Server) handleCompositionDelete(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	if err := s.cfg.Service.Delete(req.Context(), sess.Identity, req.PathValue("id")); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

func (s *Server) handleTitle(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var in struct {
		Title string `json:"title"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Title == "" {
		return nil, fmt.Errorf("%w: title is required", errBadRequest)
	}
	if err := s.cfg.Service.SetTitle(req.Context(), sess.Identity, req.PathValue("id"), in.Title); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

func (s *Server) handleCollaborative(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var in struct {
		Collaborative *bool `json:"collaborative"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Collaborative == nil {
		return nil, fmt.Errorf("%w: collaborative flag is required", errBadRequest)
	}
	if err := s.cfg.Service.SetCollaborative(req.Context(), sess.Identity, req.PathValue("id"), *in.Collaborative); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

func (s *Server) handleElementAdd(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var el compositions.Element
	if err := decode(req, &el); err != nil {
		return nil, err
	}
	if el.ElementType == "" {
		return nil, fmt.Errorf("%w: elementType is required", errBadRequest)
	}
	applied, err := s.cfg.Service.AddElement(req.Context(), sess.Identity, req.PathValue("id"), el)
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusCreated, body: applied}, nil
}

func (s *Server) handleElementUpdate(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var el compositions.Element
	if err := decode(req, &el); err != nil {
		return nil, err
	}
	el.ID = req.PathValue("elementId")
	if err := s.cfg.Service.UpdateElement(req.Context(), sess.Identity, req.PathValue("id"), el); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

// handleElementMove is the partial update: only the position moves.
func (s *Server) handleElementMove(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	var in struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.X == nil || in.Y == nil {
		return nil, fmt.Errorf("%w: x and y are required", errBadRequest)
	}
	if err := s.cfg.Service.MoveElement(req.Context(), sess.Identity, req.PathValue("id"), req.PathValue("elementId"), *in.X, *in.Y); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}

func (s *Server) handleElementDelete(_ http.ResponseWriter, req *http.Request, sess *sessions.Session) (*result, error) {
	if err := s.cfg.Service.RemoveElement(req.Context(), sess.Identity, req.PathValue("id"), req.PathValue("elementId")); err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK}, nil
}
