package main

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/rbac"
)

var errEventsDisabled = apperr.Internal("event stream is not configured", nil)

type loginRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	user, err := s.accounts.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	s.setSession(c, user.Username)
	requestLogger(c, s.logger).Info().Str("user", user.Username).Msg("operator logged in")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "user": user})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.clearSession(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type changePasswordRequest struct {
	OldPassword     string `form:"old_password" json:"old_password" binding:"required"`
	NewPassword     string `form:"new_password" json:"new_password" binding:"required"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password" binding:"required"`
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	username := c.GetString(usernameContextKey)
	if err := s.accounts.ChangePassword(c.Request.Context(), username, req.OldPassword, req.NewPassword, req.ConfirmPassword); err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListUsers(c *gin.Context) {
	users, err := s.accounts.List(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, users)
}

type createUserRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
	Role     string `form:"role" json:"role" binding:"required"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	user, err := s.accounts.Create(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("created", user.Username).Str("role", user.Role).Msg("user created")
	c.JSON(http.StatusCreated, user)
}

type deleteUserRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	var req deleteUserRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	if err := s.accounts.Delete(c.Request.Context(), c.GetString(usernameContextKey), req.Username); err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("deleted", req.Username).Msg("user deleted")
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "username": req.Username})
}

func (s *Server) handleListRoles(c *gin.Context) {
	roles, err := s.rbac.ListRoles(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, roles)
}

func (s *Server) handlePermissionCatalogue(c *gin.Context) {
	c.JSON(http.StatusOK, rbac.Catalogue())
}

// setPermissionsRequest takes permissions either as a JSON list or as a
// comma separated form field.
type setPermissionsRequest struct {
	Permissions []rbac.Permission `form:"-" json:"permissions"`
	CSV         string            `form:"permissions" json:"-"`
}

func (s *Server) handleSetRolePermissions(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	var req setPermissionsRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	perms := req.Permissions
	if perms == nil {
		perms = rbac.ParseList(req.CSV)
	}
	role, err := s.rbac.SetRolePermissions(c.Request.Context(), id, perms)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("role", role.Name).Int("permissions", len(role.Permissions)).Msg("role permissions replaced")
	c.JSON(http.StatusOK, role)
}

// handleGetSharedToken shows the current agent token, minting one when none
// is valid.
func (s *Server) handleGetSharedToken(c *gin.Context) {
	tok, err := s.creds.IssueOrRotateSharedToken(c.Request.Context(), s.cfg.Tokens.SharedTTL())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, tok)
}

type regenerateTokenRequest struct {
	ExpiryHours string `form:"expiry_hours" json:"expiry_hours"`
	Action      string `form:"action" json:"action"`
}

func (s *Server) handleRegenerateToken(c *gin.Context) {
	var req regenerateTokenRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	if req.Action != "" && req.Action != "regenerate" {
		respondError(c, apperr.Validation("unsupported action "+strconv.Quote(req.Action)), s.logger)
		return
	}
	ttl := s.cfg.Tokens.SharedTTL()
	if req.ExpiryHours != "" {
		hours, err := strconv.Atoi(req.ExpiryHours)
		if err != nil || hours <= 0 {
			respondError(c, apperr.Validation("expiry_hours must be a positive integer"), s.logger)
			return
		}
		ttl = time.Duration(hours) * time.Hour
	}
	tok, err := s.creds.ForceRotate(c.Request.Context(), ttl)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Time("expires_at", tok.ExpiresAt).Msg("shared token regenerated")
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleListStaticTokens(c *gin.Context) {
	tokens, err := s.creds.ListStaticTokens(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

type createTokenRequest struct {
	Description string `form:"description" json:"description"`
}

func (s *Server) handleCreateStaticToken(c *gin.Context) {
	var req createTokenRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	tok, value, err := s.creds.CreateStaticToken(c.Request.Context(), req.Description)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	// The value is only ever shown here.
	c.JSON(http.StatusCreated, gin.H{
		"id":          tok.ID,
		"token":       value,
		"description": tok.Description,
		"created_at":  tok.CreatedAt,
	})
}

func (s *Server) handleDeleteStaticToken(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	if err := s.creds.DeleteStaticToken(c.Request.Context(), id); err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

func (s *Server) handleSystemInfo(c *gin.Context) {
	ctx := c.Request.Context()
	hostname, _ := os.Hostname()

	var ip string
	if addr, ok := ctx.Value(http.LocalAddrContextKey).(net.Addr); ok {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			ip = host
		}
	}

	var certExpiry *string
	if s.tools != nil {
		expiry, err := s.tools.CertExpiry(ctx)
		switch {
		case err == nil:
			certExpiry = &expiry
		case apperr.KindOf(err) != apperr.KindNotFound:
			requestLogger(c, s.logger).Warn().Err(err).Msg("cert expiry unavailable")
		}
	}

	clients := 0
	if s.hub != nil {
		clients = s.hub.Clients()
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname":      hostname,
		"ip":            ip,
		"uptime":        s.now().Sub(s.started).Truncate(time.Second).String(),
		"version":       Version,
		"cert_expiry":   certExpiry,
		"event_clients": clients,
	})
}

func (s *Server) handleRegenerateCert(c *gin.Context) {
	if s.tools == nil {
		respondError(c, apperr.Internal("system tools are not configured", nil), s.logger)
		return
	}
	path, err := s.tools.RegenerateCert(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("path", path).Msg("certificate regenerated")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": path})
}

func (s *Server) handleRestart(c *gin.Context) {
	if s.tools == nil {
		respondError(c, apperr.Internal("system tools are not configured", nil), s.logger)
		return
	}
	s.tools.ScheduleRestart()
	requestLogger(c, s.logger).Warn().Msg("controller restart scheduled")
	c.JSON(http.StatusAccepted, gin.H{"status": "restarting"})
}

// handleEventStream upgrades to a websocket and streams fleet events until
// the client goes away.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.hub == nil {
		respondError(c, errEventsDisabled, s.logger)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		requestLogger(c, s.logger).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Serve(c.Request.Context(), conn)
}
