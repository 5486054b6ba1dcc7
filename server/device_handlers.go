package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/registry"
	"github.com/wiretide/wiretide/pkg/store"
)

const macHeader = "X-MAC"

var errMissingMACHeader = apperr.Auth("missing X-MAC header")

func (s *Server) handleRegister(c *gin.Context) {
	var reg registry.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		respondError(c, apperr.Validation("invalid registration: "+bindingDetail(err)), s.logger)
		return
	}
	reg.IP = c.ClientIP()

	dev, err := s.registry.Register(c.Request.Context(), reg)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("mac", dev.MAC).Str("device_status", string(dev.Status)).Msg("device registered")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mac": dev.MAC, "device_status": dev.Status})
}

func (s *Server) handleStatus(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, apperr.Validation("failed to read body"), s.logger)
		return
	}
	res, err := s.ingestor.Accept(c.Request.Context(), body)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"mac":     res.MAC,
		"events":  res.Events,
		"profile": res.Profile,
	})
}

func (s *Server) handleFetchConfig(c *gin.Context) {
	mac := store.NormalizeMAC(c.GetHeader(macHeader))
	if mac == "" {
		respondError(c, errMissingMACHeader, s.logger)
		return
	}
	q, err := s.dist.Fetch(c.Request.Context(), mac)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, q)
}

// handleDeviceToken hands the shared token to an approved device. Unknown
// MACs get the same answer as unapproved ones.
func (s *Server) handleDeviceToken(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.registry.RequireTrusted(ctx, c.Param("mac")); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			err = registry.ErrDeviceNotApproved
		}
		respondError(c, err, s.logger)
		return
	}
	tok, err := s.creds.IssueOrRotateSharedToken(ctx, s.cfg.Tokens.SharedTTL())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleAgentUpdateConfig(c *gin.Context) {
	mac := store.NormalizeMAC(c.GetHeader(macHeader))
	if mac == "" {
		respondError(c, errMissingMACHeader, s.logger)
		return
	}
	ctx := c.Request.Context()
	dev, err := s.registry.Get(ctx, mac)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	settings, err := store.GetSettings(s.db.WithContext(ctx), keyAgentUpdatesEnabled, keyAgentUpdateURL, keyAgentMinVersion)
	if err != nil {
		respondError(c, apperr.Internal("failed to load settings", err), s.logger)
		return
	}

	allow := settings[keyAgentUpdatesEnabled] == "true" || dev.AgentUpdateAllowed
	var url *string
	if u := settings[keyAgentUpdateURL]; allow && u != "" {
		url = &u
	}
	minVersion := settings[keyAgentMinVersion]
	if minVersion == "" {
		minVersion = defaultAgentMinVersion
	}
	c.JSON(http.StatusOK, gin.H{
		"update_available":      allow,
		"update_url":            url,
		"min_supported_version": minVersion,
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Server) handleDeviceDetail(c *gin.Context) {
	ctx := c.Request.Context()
	dev, err := s.registry.Get(ctx, c.Param("mac"))
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	resp := gin.H{"device": dev, "status": nil, "queued": nil}

	snap, err := s.ingestor.Snapshot(ctx, dev.MAC)
	switch {
	case err == nil:
		resp["status"] = snap
	case apperr.KindOf(err) == apperr.KindNotFound:
		snap = nil
	default:
		respondError(c, err, s.logger)
		return
	}
	resp["compliance"] = s.policy.Evaluate(dev, snap, s.now())

	pending, err := s.dist.Pending(ctx, dev.MAC)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	if pending != nil {
		resp["queued"] = gin.H{"sha256": pending.SHA256, "created_at": pending.CreatedAt}
	}
	c.JSON(http.StatusOK, resp)
}

type macRequest struct {
	MAC string `form:"mac" json:"mac" binding:"required"`
}

type approveRequest struct {
	MAC        string `form:"mac" json:"mac" binding:"required"`
	DeviceType string `form:"device_type" json:"device_type"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	dev, err := s.registry.Approve(c.Request.Context(), req.MAC, req.DeviceType)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	s.auditDevice(c, "approve", dev)
	c.JSON(http.StatusOK, gin.H{"status": "approved", "mac": dev.MAC, "device_type": dev.DeviceType})
}

func (s *Server) handleDeny(c *gin.Context) {
	s.transition(c, "deny", s.registry.Deny)
}

func (s *Server) handleBlock(c *gin.Context) {
	s.transition(c, "block", s.registry.Block)
}

func (s *Server) handleRemove(c *gin.Context) {
	s.transition(c, "remove", s.registry.Remove)
}

func (s *Server) transition(c *gin.Context, action string, fn func(ctx context.Context, mac string) (*store.Device, error)) {
	var req macRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	dev, err := fn(c.Request.Context(), req.MAC)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	s.auditDevice(c, action, dev)
	c.JSON(http.StatusOK, gin.H{"status": dev.Status, "mac": dev.MAC})
}

func (s *Server) auditDevice(c *gin.Context, action string, dev *store.Device) {
	requestLogger(c, s.logger).Info().
		Str("action", action).
		Str("mac", dev.MAC).
		Str("device_status", string(dev.Status)).
		Msg("device lifecycle change")
}

type queueRequest struct {
	MAC         string          `form:"mac" json:"mac" binding:"required"`
	PackageJSON string          `form:"package_json" json:"package_json"`
	Package     json.RawMessage `form:"-" json:"package"`
	SHA256      string          `form:"sha256" json:"sha256" binding:"required"`
}

// handleQueueConfig accepts the package either as a JSON value or, from
// forms, as a JSON-encoded string.
func (s *Server) handleQueueConfig(c *gin.Context) {
	var req queueRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	pkg := req.Package
	if len(pkg) == 0 {
		pkg = json.RawMessage(strings.TrimSpace(req.PackageJSON))
	}
	if len(pkg) == 0 {
		respondError(c, apperr.Validation("package is required"), s.logger)
		return
	}

	res, err := s.dist.Queue(c.Request.Context(), req.MAC, pkg, req.SHA256)
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("mac", store.NormalizeMAC(req.MAC)).Str("sha256", res.SHA256).Msg("config queued")
	c.JSON(http.StatusOK, res)
}

type agentUpdateRequest struct {
	Enabled bool `form:"enabled" json:"enabled"`
}

func (s *Server) handleAgentUpdateToggle(c *gin.Context) {
	var req agentUpdateRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err, s.logger)
		return
	}
	if err := s.registry.SetAgentUpdate(c.Request.Context(), c.Param("mac"), req.Enabled); err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "enabled": req.Enabled})
}

func (s *Server) handleClients(c *gin.Context) {
	clients, err := s.topology.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, clients)
}
