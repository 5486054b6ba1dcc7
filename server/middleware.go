package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/credential"
	"github.com/wiretide/wiretide/pkg/rbac"
	"github.com/wiretide/wiretide/pkg/session"
)

const staticTokenContextKey = "static_token"

var errSessionExpired = apperr.Auth("session expired")

// requireAgentToken admits requests carrying the current shared token.
func (s *Server) requireAgentToken(c *gin.Context) {
	presented := credential.PresentedToken(c.GetHeader(credential.HeaderAPIToken), c.GetHeader("Authorization"))
	if err := s.creds.VerifyAgentToken(c.Request.Context(), presented); err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.Next()
}

// requireStaticToken admits requests carrying a static integration token.
func (s *Server) requireStaticToken(c *gin.Context) {
	presented := credential.PresentedToken(c.GetHeader(credential.HeaderAPIToken), c.GetHeader("Authorization"))
	tok, err := s.creds.VerifyStaticToken(c.Request.Context(), presented)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.Set(staticTokenContextKey, tok.ID)
	c.Next()
}

// requireLogin resolves the operator from the session cookie.
func (s *Server) requireLogin(c *gin.Context) {
	value, err := c.Cookie(s.cfg.Session.Cookie)
	if err != nil || value == "" {
		respondError(c, rbac.ErrLoginRequired, s.logger)
		return
	}
	username, err := s.sessions.Verify(value)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			s.clearSession(c)
			respondError(c, errSessionExpired, s.logger)
			return
		}
		respondError(c, rbac.ErrLoginRequired, s.logger)
		return
	}
	// A signed cookie outlives account deletion; the user must still exist.
	if _, err := s.rbac.Resolve(c.Request.Context(), username); err != nil {
		if errors.Is(err, rbac.ErrUserGone) {
			s.clearSession(c)
		}
		respondError(c, err, s.logger)
		return
	}
	c.Set(usernameContextKey, username)
	logger := requestLogger(c, s.logger).With().Str("user", username).Logger()
	c.Set(requestLoggerContextKey, logger)
	c.Next()
}

// requirePermission checks the session user against perm. An empty perm is
// derived from the request path.
func (s *Server) requirePermission(perm rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		need := perm
		if need == "" {
			need = rbac.InferFromPath(c.Request.URL.Path)
		}
		if err := s.rbac.Check(c.Request.Context(), c.GetString(usernameContextKey), need); err != nil {
			respondError(c, err, s.logger)
			return
		}
		c.Next()
	}
}

func (s *Server) setSession(c *gin.Context, username string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cfg.Session.Cookie,
		Value:    s.sessions.Issue(username),
		Path:     "/",
		MaxAge:   int(s.sessions.MaxAge().Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSession(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cfg.Session.Cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
