package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wiretide/wiretide/pkg/accounts"
	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/credential"
	"github.com/wiretide/wiretide/pkg/distribution"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/ingest"
	"github.com/wiretide/wiretide/pkg/policy"
	"github.com/wiretide/wiretide/pkg/rbac"
	"github.com/wiretide/wiretide/pkg/registry"
	"github.com/wiretide/wiretide/pkg/session"
	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/topology"
)

// Keys of the agent self-update settings in the key/value table.
const (
	keyAgentUpdatesEnabled = "agent_updates_enabled"
	keyAgentUpdateURL      = "agent_update_url"
	keyAgentMinVersion     = "min_supported_agent_version"
	defaultAgentMinVersion = "0.1.0"
)

// systemTools is the host tooling the controller shells out to.
type systemTools interface {
	RegenerateCert(ctx context.Context) (string, error)
	CertExpiry(ctx context.Context) (string, error)
	ScheduleRestart()
}

type Server struct {
	cfg    *config.ControllerConfig
	db     *gorm.DB
	logger zerolog.Logger

	registry *registry.Registry
	creds    *credential.Store
	rbac     *rbac.Engine
	accounts *accounts.Accounts
	ingestor *ingest.Ingestor
	dist     *distribution.Distributor
	topology *topology.Reconciler
	sessions *session.Signer
	policy   *policy.Policy

	hub     *events.Hub
	tools   systemTools
	limiter *RateLimiter
	started time.Time
	now     func() time.Time
}

type serverDeps struct {
	Events       events.Publisher
	Hub          *events.Hub
	Tools        systemTools
	PasswordCost int
	Now          func() time.Time
}

func newServer(cfg *config.ControllerConfig, db *gorm.DB, logger zerolog.Logger, deps serverDeps) (*Server, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	pub := events.OrNop(deps.Events)

	reconciler, err := topology.New(db, cfg.Topology.ClientNetworks)
	if err != nil {
		return nil, err
	}
	compliance, err := policy.Compile(cfg.Compliance)
	if err != nil {
		return nil, err
	}
	reg := registry.New(db, registry.WithClock(now), registry.WithEvents(pub))

	var accountOpts []accounts.Option
	if deps.PasswordCost > 0 {
		accountOpts = append(accountOpts, accounts.WithCost(deps.PasswordCost))
	}

	limiter := NewRateLimiter()
	limiter.now = now

	return &Server{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		registry: reg,
		creds:    credential.New(db, credential.WithClock(now), credential.WithEvents(pub)),
		rbac:     rbac.New(db),
		accounts: accounts.New(db, accountOpts...),
		ingestor: ingest.New(db, ingest.WithClock(now), ingest.WithEvents(pub)),
		dist:     distribution.New(db, reg, distribution.WithClock(now), distribution.WithEvents(pub)),
		topology: reconciler,
		policy:   compliance,
		sessions: session.NewSigner([]byte(cfg.Session.Secret), cfg.Session.MaxAge()).WithClock(now),
		hub:      deps.Hub,
		tools:    deps.Tools,
		limiter:  limiter,
		started:  now(),
		now:      now,
	}, nil
}

// bootstrap seeds roles and the built-in admin and publishes the agent
// update settings. It is safe to run on every start.
func (s *Server) bootstrap(ctx context.Context) error {
	seed := rbac.DefaultSeed()
	if s.cfg.Accounts.RolesFile != "" {
		loaded, err := rbac.LoadSeed(s.cfg.Accounts.RolesFile)
		if err != nil {
			return err
		}
		seed = loaded
	}
	if err := s.rbac.Seed(ctx, seed); err != nil {
		return err
	}

	generated, err := s.accounts.EnsureAdmin(ctx, s.cfg.Accounts.AdminPassword)
	if err != nil {
		return err
	}
	if generated != "" {
		s.logger.Warn().Str("username", accounts.AdminUsername).Str("password", generated).
			Msg("created built-in admin with a generated password; change it after first login")
	}

	minVersion := s.cfg.AgentUpdates.MinSupportedVersion
	if minVersion == "" {
		minVersion = defaultAgentMinVersion
	}
	db := s.db.WithContext(ctx)
	for key, value := range map[string]string{
		keyAgentUpdatesEnabled: strconv.FormatBool(s.cfg.AgentUpdates.Enabled),
		keyAgentUpdateURL:      s.cfg.AgentUpdates.URL,
		keyAgentMinVersion:     minVersion,
	} {
		if err := store.PutSetting(db, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET("/health", s.handleHealth)

	// Device-facing.
	r.POST("/register", s.rateLimited("register"), s.handleRegister)
	r.GET("/token/:mac", s.rateLimited("token"), s.handleDeviceToken)
	agent := r.Group("", s.requireAgentToken)
	agent.POST("/status", s.handleStatus)
	agent.GET("/config", s.handleFetchConfig)
	agent.GET("/config/agent", s.handleAgentUpdateConfig)

	// Integrations authenticated by a static token.
	r.GET("/integrations/devices", s.requireStaticToken, s.handleListDevices)

	// Operator sessions.
	r.POST("/login", s.handleLogin)
	r.POST("/logout", s.handleLogout)

	op := r.Group("", s.requireLogin)
	op.POST("/change-password", s.handleChangePassword)
	op.GET("/api/devices", s.handleListDevices)
	op.GET("/api/devices/:mac", s.requirePermission(rbac.DevicesView), s.handleDeviceDetail)
	op.POST("/api/devices/:mac/agent-update", s.requirePermission(rbac.DevicesManage), s.handleAgentUpdateToggle)
	op.POST("/api/approve", s.requirePermission(rbac.DevicesApprove), s.handleApprove)
	op.POST("/api/deny", s.requirePermission(rbac.DevicesApprove), s.handleDeny)
	op.POST("/api/block", s.requirePermission(rbac.DevicesApprove), s.handleBlock)
	op.POST("/api/remove", s.requirePermission(rbac.DevicesManage), s.handleRemove)
	op.POST("/api/queue-config", s.requirePermission(rbac.DevicesManage), s.handleQueueConfig)
	op.GET("/api/clients", s.requirePermission(rbac.DevicesView), s.handleClients)

	op.GET("/api/users", s.handleListUsers)
	op.POST("/api/users", s.requirePermission(rbac.UsersCreate), s.handleCreateUser)
	op.POST("/api/users/delete", s.requirePermission(rbac.UsersDelete), s.handleDeleteUser)

	op.GET("/api/roles", s.requirePermission(rbac.RolesManage), s.handleListRoles)
	op.GET("/api/roles/permissions", s.requirePermission(rbac.RolesManage), s.handlePermissionCatalogue)
	op.POST("/api/roles/:id/permissions", s.requirePermission(rbac.RolesManage), s.handleSetRolePermissions)

	op.GET("/api/settings/token", s.handleGetSharedToken)
	op.POST("/settings/token", s.requirePermission(rbac.TokenRegenerate), s.handleRegenerateToken)
	op.GET("/api/tokens", s.requirePermission(rbac.TokensManage), s.handleListStaticTokens)
	op.POST("/api/tokens", s.requirePermission(rbac.TokensManage), s.handleCreateStaticToken)
	op.DELETE("/api/tokens/:id", s.requirePermission(rbac.TokensManage), s.handleDeleteStaticToken)

	op.GET("/api/system-info", s.requirePermission(rbac.SystemView), s.handleSystemInfo)
	op.POST("/api/cert/regenerate", s.requirePermission(rbac.CertRegenerate), s.handleRegenerateCert)
	op.POST("/api/restart", s.requirePermission(rbac.SystemRestart), s.handleRestart)
	op.GET("/api/events/ws", s.requirePermission(rbac.DevicesView), s.handleEventStream)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
