package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/store"
)

// MaxSecurityLogSamples caps the stored security log tail.
const MaxSecurityLogSamples = 50

// SchemaV2 is the explicit, typed status payload. Agents that send
// "schema_version": 2 must use exactly this shape.
const SchemaV2 = 2

var (
	ErrMalformed  = apperr.Validation("malformed status payload")
	ErrMissingMAC = apperr.Validation("missing mac")
)

// Report is the canonical status of one device, whatever shape it arrived in.
type Report struct {
	MAC                string           `json:"mac"`
	Model              string           `json:"model"`
	WANIP              string           `json:"wan_ip"`
	DNSServers         []string         `json:"dns_servers"`
	NTPSynced          bool             `json:"ntp_synced"`
	FirewallEnabled    bool             `json:"firewall_enabled"`
	FirewallProfile    string           `json:"firewall_profile_active"`
	SecurityLogSamples []string         `json:"security_log_samples"`
	Clients            []map[string]any `json:"clients"`
	SSHEnabled         bool             `json:"ssh_enabled"`
}

func defaultReport() Report {
	return Report{
		Model:              "unknown",
		DNSServers:         []string{},
		FirewallEnabled:    true,
		SecurityLogSamples: []string{},
		Clients:            []map[string]any{},
	}
}

// Decode maps a raw status body onto a Report. Bodies that declare
// schema_version 2 are decoded strictly; everything else goes through the
// legacy adapter, where unusable values fall back to defaults.
func Decode(body []byte) (Report, error) {
	if !json.Valid(body) {
		return Report{}, ErrMalformed
	}
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return Report{}, ErrMalformed
	}

	var rep Report
	if schemaVersion(raw) >= SchemaV2 {
		r, err := decodeV2(body)
		if err != nil {
			return Report{}, err
		}
		rep = r
	} else {
		rep = adaptLegacy(raw)
	}

	rep.MAC = store.NormalizeMAC(rep.MAC)
	if rep.MAC == "" {
		return Report{}, ErrMissingMAC
	}
	rep.SecurityLogSamples = tail(rep.SecurityLogSamples)
	return rep, nil
}

func schemaVersion(raw map[string]any) int {
	n, ok := raw["schema_version"].(json.Number)
	if !ok {
		return 1
	}
	v, err := n.Int64()
	if err != nil {
		return 1
	}
	return int(v)
}

func decodeV2(body []byte) (Report, error) {
	var v2 struct {
		SchemaVersion int `json:"schema_version"`
		Report
	}
	v2.Report = defaultReport()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v2); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rep := v2.Report
	if rep.DNSServers == nil {
		rep.DNSServers = []string{}
	}
	if rep.SecurityLogSamples == nil {
		rep.SecurityLogSamples = []string{}
	}
	if rep.Clients == nil {
		rep.Clients = []map[string]any{}
	}
	return rep, nil
}

// legacyField resolves one Report field from the loosely shaped payloads
// older agents send. For each key in order, the nested "settings" object is
// consulted before the top level. A value that is present but unusable keeps
// the default.
type legacyField struct {
	keys  []string
	apply func(r *Report, v any) bool
}

var legacyFields = []legacyField{
	{[]string{"mac"}, func(r *Report, v any) bool { return setString(&r.MAC, v) }},
	{[]string{"model"}, func(r *Report, v any) bool { return setString(&r.Model, v) }},
	{[]string{"wan_ip"}, func(r *Report, v any) bool { return setString(&r.WANIP, v) }},
	{[]string{"dns", "dns_servers"}, func(r *Report, v any) bool {
		list, ok := dnsList(v)
		if ok {
			r.DNSServers = list
		}
		return ok
	}},
	{[]string{"ntp", "ntp_synced"}, func(r *Report, v any) bool { return setBool(&r.NTPSynced, v) }},
	{[]string{"firewall", "firewall_state"}, func(r *Report, v any) bool { return setBool(&r.FirewallEnabled, v) }},
	{[]string{"firewall_profile", "firewall_profile_active"}, func(r *Report, v any) bool {
		return setString(&r.FirewallProfile, v)
	}},
	{[]string{"security_log_samples"}, func(r *Report, v any) bool {
		list, ok := logLines(v)
		if ok {
			r.SecurityLogSamples = list
		}
		return ok
	}},
	{[]string{"clients"}, func(r *Report, v any) bool {
		list, ok := clientList(v)
		if ok {
			r.Clients = list
		}
		return ok
	}},
}

func adaptLegacy(raw map[string]any) Report {
	rep := defaultReport()
	settings, _ := raw["settings"].(map[string]any)
	for _, f := range legacyFields {
		// Only the first present value counts; if it is unusable the
		// default stays.
		if vs := candidates(settings, raw, f.keys); len(vs) > 0 {
			f.apply(&rep, vs[0])
		}
	}
	// ssh_enabled is only ever top level.
	setBool(&rep.SSHEnabled, raw["ssh_enabled"])
	return rep
}

// candidates lists present, non-empty values in lookup order.
func candidates(settings, top map[string]any, keys []string) []any {
	var out []any
	for _, k := range keys {
		for _, src := range []map[string]any{settings, top} {
			if v, ok := src[k]; ok && !empty(v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func empty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func setString(dst *string, v any) bool {
	switch t := v.(type) {
	case string:
		*dst = strings.TrimSpace(t)
	case json.Number:
		*dst = t.String()
	case bool:
		*dst = strconv.FormatBool(t)
	default:
		return false
	}
	return true
}

func setBool(dst *bool, v any) bool {
	switch t := v.(type) {
	case bool:
		*dst = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false
		}
		*dst = f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on", "enabled", "active", "synced":
			*dst = true
		case "0", "false", "no", "off", "disabled", "inactive", "unsynced":
			*dst = false
		default:
			return false
		}
	default:
		return false
	}
	return true
}

// dnsList accepts a list, a JSON-encoded list, or a comma-separated string.
func dnsList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []any:
		return stringList(t), true
	case string:
		var decoded []any
		if err := json.Unmarshal([]byte(t), &decoded); err == nil {
			return stringList(decoded), true
		}
		out := []string{}
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	}
	return nil, false
}

// logLines accepts a list or newline-delimited text. Blank lines are dropped.
func logLines(v any) ([]string, bool) {
	switch t := v.(type) {
	case []any:
		return stringList(t), true
	case string:
		out := []string{}
		for _, line := range strings.Split(t, "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) != "" {
				out = append(out, line)
			}
		}
		return out, true
	}
	return nil, false
}

// clientList keeps only object entries.
func clientList(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, true
}

func stringList(in []any) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		switch t := item.(type) {
		case nil:
		case string:
			out = append(out, t)
		case json.Number:
			out = append(out, t.String())
		default:
			out = append(out, fmt.Sprint(t))
		}
	}
	return out
}

func tail(lines []string) []string {
	if len(lines) > MaxSecurityLogSamples {
		return lines[len(lines)-MaxSecurityLogSamples:]
	}
	return lines
}
