package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/distribution"
	"github.com/wiretide/wiretide/pkg/probe"
)

const agentMAC = "aa:bb:cc:dd:ee:ff"

// controller is a minimal in-memory stand-in for the device-facing API.
type controller struct {
	mu        sync.Mutex
	approved  bool
	token     string
	pkg       string
	digest    string
	statuses  []map[string]any
	tokenHits int
}

func (c *controller) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			c.mu.Lock()
			ok := r.Header.Get("X-API-Token") == c.token && c.token != ""
			approved := c.approved
			c.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("X-MAC") != agentMAC {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if !approved && r.URL.Path == "/config" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, agentMAC, body["mac"])
		w.Write([]byte(`{"status":"ok","mac":"` + agentMAC + `","device_status":"waiting"}`))
	})
	mux.HandleFunc("/token/"+agentMAC, func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.tokenHits++
		if !c.approved {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"token":"` + c.token + `","expires_at":"2030-01-01T00:00:00Z"}`))
	})
	mux.HandleFunc("/status", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.statuses = append(c.statuses, body)
		c.mu.Unlock()
		w.Write([]byte(`{"status":"ok","mac":"` + agentMAC + `","events":0,"profile":""}`))
	}))
	mux.HandleFunc("/config", authed(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pkg == "" {
			w.Write([]byte(`{"package":{},"available":false,"sha256":null}`))
			return
		}
		w.Write([]byte(`{"package":` + c.pkg + `,"available":true,"sha256":"` + c.digest + `"}`))
	}))
	mux.HandleFunc("/config/agent", authed(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"update_available":false,"update_url":null,"min_supported_version":"0.1.0"}`))
	}))
	return mux
}

func newTestAgent(t *testing.T, url string) (*Agent, *[][]byte) {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.Server.URL = url
	cfg.Server.RetryInitialMs = 1
	cfg.Server.RetryMaxMs = 2
	cfg.Server.RetryMaxRetries = 1
	cfg.Device.StateDir = t.TempDir()
	cfg.Device.Hostname = "edge-1"
	cfg.Checks.Firewall.Enable = false
	cfg.Checks.Clients.Enable = false
	require.NoError(t, cfg.Validate())

	a := newAgent(cfg, agentMAC, zerolog.Nop())
	a.collector = probe.NewCollector(cfg.Checks,
		probe.WithRunner(func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("not on a device")
		}),
		probe.WithReadFile(func(string) ([]byte, error) { return nil, os.ErrNotExist }),
	)
	var applied [][]byte
	a.apply = func(_ context.Context, pkg []byte) error {
		applied = append(applied, append([]byte(nil), pkg...))
		return nil
	}
	return a, &applied
}

func TestCycleWaitsForApproval(t *testing.T) {
	ctl := &controller{token: "shared-1"}
	srv := httptest.NewServer(ctl.handler(t))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	err := a.cycle(context.Background())
	require.ErrorIs(t, err, errNotApproved)
	require.Empty(t, a.token)
	require.Equal(t, 1, ctl.tokenHits, "403 is not retried")
}

func TestCycleAppliesVerifiedPackage(t *testing.T) {
	digest, err := distribution.Digest([]byte(`{"fw":"v2"}`))
	require.NoError(t, err)
	ctl := &controller{approved: true, token: "shared-1", pkg: `{"fw":"v2"}`, digest: digest}
	srv := httptest.NewServer(ctl.handler(t))
	defer srv.Close()

	a, applied := newTestAgent(t, srv.URL)
	require.NoError(t, a.cycle(context.Background()))
	require.Equal(t, "shared-1", a.token)
	require.Len(t, ctl.statuses, 1)
	require.EqualValues(t, 2, ctl.statuses[0]["schema_version"])
	require.Len(t, *applied, 1)
	require.Equal(t, digest, a.appliedDigest())

	stored, err := os.ReadFile(filepath.Join(a.cfg.Device.StateDir, packageFile))
	require.NoError(t, err)
	require.JSONEq(t, `{"fw":"v2"}`, string(stored))

	// Same digest again is not re-applied.
	require.NoError(t, a.cycle(context.Background()))
	require.Len(t, *applied, 1)
	require.Len(t, ctl.statuses, 2)
}

func TestCycleRejectsTamperedPackage(t *testing.T) {
	digest, err := distribution.Digest([]byte(`{"fw":"v2"}`))
	require.NoError(t, err)
	ctl := &controller{approved: true, token: "shared-1", pkg: `{"fw":"evil"}`, digest: digest}
	srv := httptest.NewServer(ctl.handler(t))
	defer srv.Close()

	a, applied := newTestAgent(t, srv.URL)
	require.NoError(t, a.cycle(context.Background()))
	require.Empty(t, *applied)
	require.Empty(t, a.appliedDigest())
}

func TestCycleRefreshesRejectedToken(t *testing.T) {
	ctl := &controller{approved: true, token: "shared-2"}
	srv := httptest.NewServer(ctl.handler(t))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	a.token = "stale"
	require.NoError(t, a.cycle(context.Background()))
	require.Equal(t, "shared-2", a.token)
	require.Len(t, ctl.statuses, 1)
}

func TestVersionLess(t *testing.T) {
	require.True(t, versionLess("0.1.0", "0.2.0"))
	require.True(t, versionLess("0.9", "0.10.0"))
	require.True(t, versionLess("v1.2.3", "1.2.4"))
	require.False(t, versionLess("1.0.0", "1.0"))
	require.False(t, versionLess("dev", "9.9.9"))
	require.False(t, versionLess("1.0.0", ""))
}
