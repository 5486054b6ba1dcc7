package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wiretide/wiretide/pkg/distribution"
)

// fakeController accepts admin/secret-pass and records what was queued.
type fakeController struct {
	queued map[string]any
}

func (f *fakeController) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid username or password","request_id":"req-1"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "wiretide_session", Value: "ok", Path: "/"})
		w.Write([]byte(`{"status":"ok"}`))
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie("wiretide_session"); err != nil || c.Value != "ok" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"login required"}`))
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/devices", authed(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"mac":"aa:bb:cc:dd:ee:ff","hostname":"edge-1","status":"approved","device_type":"router"},
			{"mac":"aa:bb:cc:dd:ee:01","hostname":"edge-2","status":"waiting","device_type":"unknown"}
		]`))
	}))
	mux.HandleFunc("/integrations/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Token") != "static-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"mac":"aa:bb:cc:dd:ee:ff","status":"approved"}]`))
	})
	mux.HandleFunc("/api/queue-config", authed(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.queued))
		json.NewEncoder(w).Encode(map[string]any{"status": "queued", "keys": []string{"fw"}, "sha256": f.queued["sha256"]})
	}))
	mux.HandleFunc("/api/approve", authed(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("device_type") == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid or missing device type"}`))
			return
		}
		w.Write([]byte(`{"status":"approved","mac":"` + r.PostForm.Get("mac") + `"}`))
	}))
	return mux
}

func run(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", srvURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDevicesListing(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc.handler(t))
	defer srv.Close()

	out, err := run(t, srv.URL, "--password", "secret-pass", "devices")
	require.NoError(t, err)
	require.Contains(t, out, "edge-1")
	require.Contains(t, out, "edge-2")

	out, err = run(t, srv.URL, "--password", "secret-pass", "devices", "--status", "waiting")
	require.NoError(t, err)
	require.NotContains(t, out, "edge-1")

	out, err = run(t, srv.URL, "--password", "secret-pass", "status")
	require.NoError(t, err)
	require.Contains(t, out, "Total Devices:  2")
}

func TestStaticTokenListing(t *testing.T) {
	srv := httptest.NewServer((&fakeController{}).handler(t))
	defer srv.Close()

	out, err := run(t, srv.URL, "--token", "static-1", "devices")
	require.NoError(t, err)
	require.Contains(t, out, "aa:bb:cc:dd:ee:ff")
}

func TestLoginFailureSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer((&fakeController{}).handler(t))
	defer srv.Close()

	_, err := run(t, srv.URL, "--password", "wrong", "devices")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid username or password")
	require.Contains(t, err.Error(), "req-1")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestQueueConfigSendsDigest(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc.handler(t))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pkg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{ "fw" : "v2" }`), 0o600))

	out, err := run(t, srv.URL, "--password", "secret-pass", "queue-config", "aa:bb:cc:dd:ee:ff", path)
	require.NoError(t, err)

	want, err := distribution.Digest([]byte(`{"fw":"v2"}`))
	require.NoError(t, err)
	require.Equal(t, want, fc.queued["sha256"])
	require.Equal(t, map[string]any{"fw": "v2"}, fc.queued["package"])
	require.True(t, strings.HasPrefix(out, "queued "+want))
}

func TestApproveRequiresType(t *testing.T) {
	srv := httptest.NewServer((&fakeController{}).handler(t))
	defer srv.Close()

	_, err := run(t, srv.URL, "--password", "secret-pass", "approve", "aa:bb:cc:dd:ee:ff")
	require.Error(t, err, "--type is a required flag")

	out, err := run(t, srv.URL, "--password", "secret-pass", "approve", "aa:bb:cc:dd:ee:ff", "--type", "router")
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:ff: approved\n", out)
}

func TestMissingPassword(t *testing.T) {
	t.Setenv("WIRETIDE_PASSWORD", "")
	_, err := run(t, "http://127.0.0.1:1", "devices")
	require.ErrorContains(t, err, "password required")
}
