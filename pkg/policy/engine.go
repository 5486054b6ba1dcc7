package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/store"
)

const (
	ActionDeny = "deny"
	ActionWarn = "warn"
)

// Rule is one compiled compliance check of the form "<field> <op> <value>".
type Rule struct {
	Name   string
	Check  string
	Action string

	field string
	op    string
	value string
}

type Policy struct {
	Rules []Rule
}

// Violation names a failed rule and what was observed.
type Violation struct {
	Rule     string `json:"rule"`
	Action   string `json:"action"`
	Observed string `json:"observed"`
}

type Evaluation struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`
}

type fieldKind int

const (
	boolField fieldKind = iota
	stringField
	ageField
)

var fields = map[string]fieldKind{
	"firewall_enabled":   boolField,
	"ntp_synced":         boolField,
	"ssh_enabled":        boolField,
	"dns_configured":     boolField,
	"firewall_profile":   stringField,
	"status_age_minutes": ageField,
}

var ops = map[fieldKind][]string{
	boolField:   {"=="},
	stringField: {"==", "!="},
	ageField:    {"<"},
}

// Compile parses the configured rules. Unknown fields or operators are
// rejected so a typo never silently passes every device.
func Compile(cfg config.ComplianceConfig) (*Policy, error) {
	p := &Policy{}
	for _, rc := range cfg.Rules {
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func compileRule(rc config.ComplianceRule) (Rule, error) {
	r := Rule{Name: rc.Name, Check: rc.Check, Action: strings.ToLower(rc.Action)}
	if r.Action == "" {
		r.Action = ActionDeny
	}
	if r.Action != ActionDeny && r.Action != ActionWarn {
		return r, fmt.Errorf("rule %q: action must be deny or warn", rc.Name)
	}
	parts := strings.Fields(rc.Check)
	if len(parts) != 3 {
		return r, fmt.Errorf("rule %q: check must be \"<field> <op> <value>\"", rc.Name)
	}
	r.field, r.op, r.value = parts[0], parts[1], parts[2]

	kind, ok := fields[r.field]
	if !ok {
		return r, fmt.Errorf("rule %q: unknown field %q", rc.Name, r.field)
	}
	valid := false
	for _, op := range ops[kind] {
		valid = valid || op == r.op
	}
	if !valid {
		return r, fmt.Errorf("rule %q: operator %q not supported for %s", rc.Name, r.op, r.field)
	}
	switch kind {
	case boolField:
		if _, err := strconv.ParseBool(r.value); err != nil {
			return r, fmt.Errorf("rule %q: %q is not a boolean", rc.Name, r.value)
		}
	case ageField:
		if n, err := strconv.Atoi(r.value); err != nil || n <= 0 {
			return r, fmt.Errorf("rule %q: %q is not a positive number of minutes", rc.Name, r.value)
		}
	}
	if r.Name == "" {
		r.Name = rc.Check
	}
	return r, nil
}

// Evaluate checks a device and its latest snapshot. snap may be nil when
// the device never reported; snapshot-based rules then fail.
func (p *Policy) Evaluate(dev *store.Device, snap *store.TelemetrySnapshot, now time.Time) *Evaluation {
	eval := &Evaluation{
		Compliant:  true,
		Violations: []Violation{},
		Warnings:   []Violation{},
	}
	for _, rule := range p.Rules {
		ok, observed := rule.check(dev, snap, now)
		if ok {
			continue
		}
		v := Violation{Rule: rule.Name, Action: rule.Action, Observed: observed}
		if rule.Action == ActionWarn {
			eval.Warnings = append(eval.Warnings, v)
			continue
		}
		eval.Compliant = false
		eval.Violations = append(eval.Violations, v)
	}
	return eval
}

func (r Rule) check(dev *store.Device, snap *store.TelemetrySnapshot, now time.Time) (bool, string) {
	if r.field == "ssh_enabled" {
		return compareBool(dev.SSHEnabled, r.value)
	}
	if snap == nil {
		return false, "no status reported"
	}

	switch r.field {
	case "firewall_enabled":
		return compareBool(snap.FirewallEnabled, r.value)
	case "ntp_synced":
		return compareBool(snap.NTPSynced, r.value)
	case "dns_configured":
		var servers []string
		_ = json.Unmarshal(snap.DNSServers, &servers)
		return compareBool(len(servers) > 0, r.value)
	case "firewall_profile":
		match := snap.FirewallProfile == r.value
		if r.op == "!=" {
			match = !match
		}
		return match, snap.FirewallProfile
	case "status_age_minutes":
		limit, _ := strconv.Atoi(r.value)
		age := now.Sub(snap.UpdatedAt)
		return age < time.Duration(limit)*time.Minute, strconv.Itoa(int(age.Minutes()))
	}
	return true, ""
}

func compareBool(got bool, want string) (bool, string) {
	w, _ := strconv.ParseBool(want)
	return got == w, strconv.FormatBool(got)
}

func (e *Evaluation) String() string {
	if e.Compliant {
		return "compliant"
	}
	names := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		names = append(names, v.Rule)
	}
	return fmt.Sprintf("non-compliant: %s", strings.Join(names, ", "))
}
