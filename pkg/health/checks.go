// Package health reports whether an agent can reach its controller and
// whether its clock agrees with the controller's.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Status struct {
	ServerReachable    bool      `json:"server_reachable"`
	TimeDrift          int       `json:"time_drift_seconds"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	Healthy            bool      `json:"healthy"`
	Issues             []string  `json:"issues,omitempty"`
}

type Checker struct {
	client *http.Client
	now    func() time.Time
}

func NewChecker(client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{client: client, now: time.Now}
}

// Check probes serverURL/health. Drift is measured against the response's
// Date header, which has one-second resolution.
func (c *Checker) Check(ctx context.Context, serverURL string, maxDriftS int) *Status {
	st := &Status{Healthy: true, Issues: []string{}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/health", nil)
	if err != nil {
		return st.fail(fmt.Sprintf("bad server url: %v", err))
	}
	sent := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return st.fail(fmt.Sprintf("cannot reach server: %v", err))
	}
	resp.Body.Close()

	st.ServerReachable = resp.StatusCode == http.StatusOK
	if !st.ServerReachable {
		st.fail(fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
	}

	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		received := c.now()
		local := sent.Add(received.Sub(sent) / 2)
		drift := local.Sub(date)
		if drift < 0 {
			drift = -drift
		}
		st.TimeDrift = int(drift.Round(time.Second) / time.Second)
		if maxDriftS > 0 && st.TimeDrift > maxDriftS {
			st.fail(fmt.Sprintf("time drift %ds exceeds max %ds", st.TimeDrift, maxDriftS))
		}
	}

	if st.Healthy {
		st.LastSuccessfulSync = c.now()
	}
	return st
}

func (s *Status) fail(issue string) *Status {
	s.Healthy = false
	s.Issues = append(s.Issues, issue)
	return s
}
