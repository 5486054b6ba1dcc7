// Package system runs the host tooling the controller depends on: the
// certificate generator and the service manager.
package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/config"
)

const (
	CertFile = "wiretide-ca.crt"
	KeyFile  = "wiretide-ca.key"
)

// Exec runs one command and returns its combined output.
type Exec func(ctx context.Context, name string, args ...string) ([]byte, error)

func osExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Tools struct {
	cfg    config.SystemConfig
	exec   Exec
	delay  time.Duration
	logger zerolog.Logger
}

type Option func(*Tools)

func WithExec(e Exec) Option {
	return func(t *Tools) { t.exec = e }
}

// WithRestartDelay sets how long ScheduleRestart waits so the HTTP response
// can be written before the service goes down.
func WithRestartDelay(d time.Duration) Option {
	return func(t *Tools) { t.delay = d }
}

func New(cfg config.SystemConfig, logger zerolog.Logger, opts ...Option) *Tools {
	t := &Tools{cfg: cfg, exec: osExec, delay: time.Second, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegenerateCert writes a fresh self-signed CA pair into the cert dir.
func (t *Tools) RegenerateCert(ctx context.Context) (string, error) {
	if err := os.MkdirAll(t.cfg.CertDir, 0o750); err != nil {
		return "", apperr.Internal("certificate generation failed", err)
	}
	crt := filepath.Join(t.cfg.CertDir, CertFile)
	key := filepath.Join(t.cfg.CertDir, KeyFile)
	out, err := t.exec(ctx, "openssl", "req", "-x509", "-newkey", "rsa:2048",
		"-keyout", key, "-out", crt, "-days", "365", "-nodes", "-subj", "/CN=Wiretide CA")
	if err != nil {
		return "", apperr.Internal("certificate generation failed", toolError(err, out))
	}
	return crt, nil
}

// ErrCertMissing reports that no certificate has been generated yet.
var ErrCertMissing = apperr.NotFound("certificate not found")

// CertExpiry returns the notAfter date of the current certificate as
// printed by openssl.
func (t *Tools) CertExpiry(ctx context.Context) (string, error) {
	crt := filepath.Join(t.cfg.CertDir, CertFile)
	if _, err := os.Stat(crt); err != nil {
		return "", ErrCertMissing
	}
	out, err := t.exec(ctx, "openssl", "x509", "-enddate", "-noout", "-in", crt)
	if err != nil {
		return "", apperr.Internal("certificate unreadable", toolError(err, out))
	}
	return strings.TrimPrefix(strings.TrimSpace(string(out)), "notAfter="), nil
}

// ScheduleRestart restarts the service after the configured delay. The
// outcome is only logged; the caller has already answered its request.
func (t *Tools) ScheduleRestart() {
	name, args := t.restartCommand()
	go func() {
		time.Sleep(t.delay)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		out, err := t.exec(ctx, name, args...)
		if err != nil {
			t.logger.Error().Err(toolError(err, out)).Str("service", t.cfg.ServiceName).Msg("service restart failed")
			return
		}
		t.logger.Info().Str("service", t.cfg.ServiceName).Msg("service restart issued")
	}()
}

func (t *Tools) restartCommand() (string, []string) {
	args := []string{"restart", t.cfg.ServiceName}
	if t.cfg.UseSudo {
		return "sudo", append([]string{"systemctl"}, args...)
	}
	return "systemctl", args
}

func toolError(err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}
