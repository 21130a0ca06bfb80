// Package plan decides which subscription tier unlocks which feature.
package plan

import (
	"fmt"
	"sort"
	"strings"
)

type Tier int

const (
	Free Tier = iota + 1
	Pro
	Elite
)

func (t Tier) String() string {
	switch t {
	case Free:
		return "free"
	case Pro:
		return "pro"
	case Elite:
		return "elite"
	}
	return "unknown"
}

// Title is the display name used in upgrade prompts.
func (t Tier) Title() string {
	s := t.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseTier accepts the stored plan names only.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "free":
		return Free, true
	case "pro":
		return Pro, true
	case "elite":
		return Elite, true
	}
	return 0, false
}

func Valid(s string) bool {
	_, ok := ParseTier(s)
	return ok
}

var features = map[string]Tier{
	"courses":         Free,
	"signals":         Free,
	"support_tickets": Free,

	"premium_signals":  Pro,
	"advanced_courses": Pro,
	"market_analysis":  Pro,

	"mentorship":    Elite,
	"one_on_one":    Elite,
	"vip_community": Elite,
}

// Required returns the minimum tier for feature.
func Required(feature string) (Tier, bool) {
	t, ok := features[feature]
	return t, ok
}

func Features() []string {
	out := make([]string, 0, len(features))
	for f := range features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Subject is anything carrying a role and a plan.
type Subject interface {
	IsAdmin() bool
	PlanName() string
}

// CheckAccess reports whether s may use feature. Admins pass every feature
// in the table; unknown features are denied to everyone, admins included.
func CheckAccess(s Subject, feature string) bool {
	if s == nil {
		return false
	}
	req, ok := features[feature]
	if !ok {
		return false
	}
	if s.IsAdmin() {
		return true
	}
	cur, ok := ParseTier(s.PlanName())
	if !ok {
		return false
	}
	return cur >= req
}

type Decision struct {
	Feature    string `json:"feature"`
	Allowed    bool   `json:"allowed"`
	Current    string `json:"current,omitempty"`
	Required   string `json:"required,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

const UpgradePath = "/pricing.html"

// EnforceAccess is CheckAccess plus the prompt shown when access is denied.
func EnforceAccess(s Subject, feature string) Decision {
	d := Decision{Feature: feature, Allowed: CheckAccess(s, feature)}
	if s != nil {
		d.Current = s.PlanName()
	}
	req, known := Required(feature)
	if known {
		d.Required = req.String()
	}
	if d.Allowed {
		return d
	}
	switch {
	case !known:
		d.Prompt = "This feature is not available."
	case s == nil:
		d.Prompt = "Please log in to access this feature."
		d.UpgradeURL = "/login.html"
	default:
		d.Prompt = fmt.Sprintf("This feature requires the %s plan. Upgrade to unlock it.", req.Title())
		d.UpgradeURL = UpgradePath + "?plan=" + req.String()
	}
	return d
}
