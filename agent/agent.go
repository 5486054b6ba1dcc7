package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/distribution"
	"github.com/wiretide/wiretide/pkg/health"
	"github.com/wiretide/wiretide/pkg/probe"
)

const (
	appliedDigestFile = "applied.sha256"
	packageFile       = "config.json"
)

var (
	errNotApproved  = errors.New("device is not approved yet")
	errTokenInvalid = errors.New("shared token rejected")
)

// Agent runs on one appliance: it registers, obtains the shared token,
// reports status and applies queued packages.
type Agent struct {
	cfg       *config.AgentConfig
	client    *http.Client
	retry     *retrier
	collector *probe.Collector
	health    *health.Checker
	logger    zerolog.Logger

	mac   string
	token string

	// apply hands a verified package to the device.
	apply func(ctx context.Context, pkg []byte) error
}

func newAgent(cfg *config.AgentConfig, mac string, logger zerolog.Logger) *Agent {
	client := &http.Client{Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second}
	a := &Agent{
		cfg:       cfg,
		client:    client,
		retry:     newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, logger),
		collector: probe.NewCollector(cfg.Checks),
		health:    health.NewChecker(client),
		logger:    logger.With().Str("mac", mac).Logger(),
		mac:       mac,
	}
	a.apply = a.runApplyCommand
	return a
}

// cycle is one reporting round. Failures in one step do not skip the rest
// unless the device has no usable token.
func (a *Agent) cycle(ctx context.Context) error {
	if a.token == "" {
		if err := a.enroll(ctx); err != nil {
			return err
		}
	}

	err := a.pushStatus(ctx)
	if errors.Is(err, errTokenInvalid) {
		a.logger.Info().Msg("shared token rejected; fetching a fresh one")
		a.token = ""
		if err := a.enroll(ctx); err != nil {
			return err
		}
		err = a.pushStatus(ctx)
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("status push failed")
	}

	if err := a.pullConfig(ctx); err != nil {
		if errors.Is(err, errTokenInvalid) || errors.Is(err, errNotApproved) {
			a.token = ""
		}
		a.logger.Error().Err(err).Msg("config pull failed")
	}

	if err := a.checkAgentUpdate(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("agent update check failed")
	}
	return nil
}

// enroll registers the device and asks for the shared token. Until an
// operator approves the device the token request fails with errNotApproved.
func (a *Agent) enroll(ctx context.Context) error {
	hostname := a.cfg.Device.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	reg := map[string]any{
		"mac":         a.mac,
		"hostname":    hostname,
		"ssh_enabled": a.collector.Collect(ctx, a.mac).SSHEnabled,
	}
	var regResp struct {
		DeviceStatus string `json:"device_status"`
	}
	err := a.retry.do(ctx, "register", func() error {
		return a.call(ctx, http.MethodPost, "/register", reg, false, &regResp)
	}, isRetryableHTTP)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Str("device_status", regResp.DeviceStatus).Msg("registered with controller")

	var tok struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	err = a.retry.do(ctx, "token", func() error {
		return a.call(ctx, http.MethodGet, "/token/"+a.mac, nil, false, &tok)
	}, isRetryableHTTP)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusForbidden {
			return errNotApproved
		}
		return fmt.Errorf("token: %w", err)
	}
	a.token = tok.Token
	a.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("obtained shared token")
	return nil
}

func (a *Agent) pushStatus(ctx context.Context) error {
	status := a.collector.Collect(ctx, a.mac)
	for name, msg := range status.Errors {
		a.logger.Debug().Str("probe", name).Str("error", msg).Msg("probe degraded")
	}
	var resp struct {
		Events  int    `json:"events"`
		Profile string `json:"profile"`
	}
	err := a.retry.do(ctx, "status", func() error {
		return a.call(ctx, http.MethodPost, "/status", status, true, &resp)
	}, isRetryableHTTP)
	if err != nil {
		return err
	}
	a.logger.Info().Int("clients", len(status.Clients)).Int("events", resp.Events).Str("profile", resp.Profile).Msg("status accepted")
	return nil
}

type queuedPackage struct {
	Package   json.RawMessage `json:"package"`
	Available bool            `json:"available"`
	SHA256    *string         `json:"sha256"`
}

// pullConfig fetches the queued package and applies it when its digest is
// new. A package whose content does not match the advertised digest is
// never applied.
func (a *Agent) pullConfig(ctx context.Context) error {
	var q queuedPackage
	err := a.retry.do(ctx, "config", func() error {
		return a.call(ctx, http.MethodGet, "/config", nil, true, &q)
	}, isRetryableHTTP)
	if err != nil {
		return err
	}
	if !q.Available || q.SHA256 == nil {
		return nil
	}
	want := *q.SHA256
	if want == a.appliedDigest() {
		return nil
	}

	got, err := distribution.Digest(q.Package)
	if err != nil {
		return fmt.Errorf("package unreadable: %w", err)
	}
	if got != want {
		return fmt.Errorf("package digest mismatch: advertised %s, computed %s", want, got)
	}

	if err := a.writeState(packageFile, q.Package); err != nil {
		return err
	}
	if err := a.apply(ctx, q.Package); err != nil {
		return fmt.Errorf("apply package %s: %w", want, err)
	}
	if err := a.writeState(appliedDigestFile, []byte(want+"\n")); err != nil {
		return err
	}
	a.logger.Info().Str("sha256", want).Msg("configuration package applied")
	return nil
}

type agentUpdateInfo struct {
	UpdateAvailable     bool    `json:"update_available"`
	UpdateURL           *string `json:"update_url"`
	MinSupportedVersion string  `json:"min_supported_version"`
}

func (a *Agent) checkAgentUpdate(ctx context.Context) error {
	var info agentUpdateInfo
	if err := a.call(ctx, http.MethodGet, "/config/agent", nil, true, &info); err != nil {
		return err
	}
	if versionLess(Version, info.MinSupportedVersion) {
		a.logger.Warn().Str("current_version", Version).Str("required_version", info.MinSupportedVersion).Msg("agent version below minimum")
	}
	if info.UpdateAvailable && info.UpdateURL != nil {
		a.logger.Info().Str("url", *info.UpdateURL).Msg("agent update available")
	}
	return nil
}

func (a *Agent) checkHealth(ctx context.Context) {
	st := a.health.Check(ctx, a.cfg.Server.URL, a.cfg.Health.TimeDriftMaxS)
	if !st.Healthy {
		a.logger.Warn().Strs("issues", st.Issues).Int("time_drift_s", st.TimeDrift).Msg("health check reported issues")
		return
	}
	a.logger.Debug().Int("time_drift_s", st.TimeDrift).Msg("controller reachable")
}

// call performs one JSON request. With auth set it sends the shared token
// and the device MAC.
func (a *Agent) call(ctx context.Context, method, path string, payload any, auth bool, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.Server.URL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "wiretide-agent/"+Version)
	if auth {
		req.Header.Set("X-API-Token", a.token)
		req.Header.Set("X-MAC", a.mac)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && auth:
		return errTokenInvalid
	case resp.StatusCode == http.StatusForbidden && auth:
		return errNotApproved
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (a *Agent) appliedDigest() string {
	data, err := os.ReadFile(filepath.Join(a.cfg.Device.StateDir, appliedDigestFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (a *Agent) writeState(name string, data []byte) error {
	if err := os.MkdirAll(a.cfg.Device.StateDir, 0o750); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	path := filepath.Join(a.cfg.Device.StateDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// runApplyCommand pipes pkg into the configured apply command. With no
// command configured the package is only stored.
func (a *Agent) runApplyCommand(ctx context.Context, pkg []byte) error {
	if a.cfg.Device.ApplyCommand == "" {
		a.logger.Warn().Msg("no apply_command configured; package stored only")
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.cfg.Device.ApplyCommand)
	cmd.Stdin = bytes.NewReader(pkg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// versionLess compares dotted numeric versions. Non-numeric parts compare
// as zero; "dev" builds are never considered outdated.
func versionLess(have, want string) bool {
	if have == "dev" || want == "" {
		return false
	}
	hp := strings.Split(strings.TrimPrefix(have, "v"), ".")
	wp := strings.Split(strings.TrimPrefix(want, "v"), ".")
	for i := 0; i < len(hp) || i < len(wp); i++ {
		var h, w int
		if i < len(hp) {
			h, _ = strconv.Atoi(hp[i])
		}
		if i < len(wp) {
			w, _ = strconv.Atoi(wp[i])
		}
		if h != w {
			return h < w
		}
	}
	return false
}
