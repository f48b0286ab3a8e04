// Package policy decides what happens when the agent requests a
// side-effecting action: allow it silently, deny it outright, or surface a
// confirmation prompt to the user. Decisions are keyed by effect type; a
// "once" mode remembers the first user answer for the rest of the run.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode is the confirmation behavior for one effect type.
type Mode string

const (
	// ModeNever auto-approves without prompting.
	ModeNever Mode = "never"
	// ModeOnce prompts on first use, then repeats the remembered answer.
	ModeOnce Mode = "once"
	// ModeAlways prompts on every request.
	ModeAlways Mode = "always"
)

// Verdict is the outcome of a policy check.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
)

// Effect types the agent backend may request.
var knownEffectTypes = map[string]struct{}{
	"filesystem:read":  {},
	"filesystem:write": {},
	"shell:read":       {},
	"shell:write":      {},
	"network:outbound": {},
	"secrets:read":     {},
	"screen:capture":   {},
	"ui:control":       {},
}

// KnownEffectType reports whether t is a recognized effect type.
func KnownEffectType(t string) bool {
	_, ok := knownEffectTypes[strings.ToLower(strings.TrimSpace(t))]
	return ok
}

// Policy is the serializable policy data.
type Policy struct {
	// Confirmation maps effect type to prompt mode. Types absent from the
	// map use DefaultMode.
	Confirmation map[string]Mode `yaml:"confirmation"`
	// DefaultMode applies to effect types without an explicit entry.
	DefaultMode Mode `yaml:"default_mode"`
	// Denied lists effect types rejected without prompting, regardless of
	// confirmation mode.
	Denied []string `yaml:"denied"`
	// RiskThreshold forces a prompt for any request at or above this risk
	// score even when the mode would auto-approve. Scores run 0 to 10;
	// zero disables the override.
	RiskThreshold int `yaml:"risk_threshold"`
}

// Default returns the built-in policy: reads auto-approve after one
// confirmation, writes always prompt, credential and input-control access is
// refused outright.
func Default() Policy {
	return Policy{
		Confirmation: map[string]Mode{
			"filesystem:read":  ModeOnce,
			"filesystem:write": ModeAlways,
			"shell:read":       ModeOnce,
			"shell:write":      ModeAlways,
			"network:outbound": ModeOnce,
			"screen:capture":   ModeAlways,
		},
		DefaultMode:   ModeAlways,
		Denied:        []string{"secrets:read", "ui:control"},
		RiskThreshold: 8,
	}
}

// Load reads a policy file. A missing or empty file yields the default
// policy; a malformed or invalid one is an error so a typo cannot silently
// weaken the rules.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func validMode(m Mode) bool {
	switch m {
	case ModeNever, ModeOnce, ModeAlways:
		return true
	}
	return false
}

func (p Policy) validate() error {
	for effectType, mode := range p.Confirmation {
		if !KnownEffectType(effectType) {
			return fmt.Errorf("unknown effect type %q", effectType)
		}
		if !validMode(mode) {
			return fmt.Errorf("invalid mode %q for %q", mode, effectType)
		}
	}
	if p.DefaultMode != "" && !validMode(p.DefaultMode) {
		return fmt.Errorf("invalid default mode %q", p.DefaultMode)
	}
	for _, d := range p.Denied {
		if !KnownEffectType(d) {
			return fmt.Errorf("unknown denied effect type %q", d)
		}
	}
	if p.RiskThreshold < 0 || p.RiskThreshold > 10 {
		return fmt.Errorf("risk_threshold %d out of range 0..10", p.RiskThreshold)
	}
	return nil
}

func (p Policy) denied(effectType string) bool {
	for _, d := range p.Denied {
		if strings.EqualFold(strings.TrimSpace(d), effectType) {
			return true
		}
	}
	return false
}

func (p Policy) mode(effectType string) Mode {
	if m, ok := p.Confirmation[effectType]; ok {
		return m
	}
	for k, m := range p.Confirmation {
		if strings.EqualFold(strings.TrimSpace(k), effectType) {
			return m
		}
	}
	if p.DefaultMode != "" {
		return p.DefaultMode
	}
	return ModeAlways
}

// PolicyVersion returns a stable fingerprint of the rule set, used to tag
// audit records so a decision can be traced to the rules that produced it.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	keys := make([]string, 0, len(p.Confirmation))
	for k := range p.Confirmation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(strings.ToLower(k) + "=" + string(p.Confirmation[k]) + "|"))
	}
	_, _ = h.Write([]byte("default=" + string(p.DefaultMode) + "|"))
	for _, d := range p.Denied {
		_, _ = h.Write([]byte("deny:" + strings.ToLower(strings.TrimSpace(d)) + "|"))
	}
	_, _ = h.Write([]byte("risk=" + strconv.Itoa(p.RiskThreshold) + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe checks, the remembered answers
// for "once" effect types, and optional persistence.
type LivePolicy struct {
	mu         sync.RWMutex
	data       Policy
	remembered map[string]bool // effect type -> approved
	path       string          // file path for persistence; empty = none
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, rule mutations are persisted to that file.
// Remembered answers are runtime state and are never persisted.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{
		data:       initial,
		remembered: make(map[string]bool),
		path:       path,
	}
}

// Decide evaluates one effect request. The denied list wins over everything;
// a remembered answer wins over the risk threshold because the user already
// ruled on this effect type; the threshold otherwise forces a prompt.
func (lp *LivePolicy) Decide(effectType string, risk int) Verdict {
	effectType = strings.ToLower(strings.TrimSpace(effectType))

	lp.mu.RLock()
	defer lp.mu.RUnlock()

	if !KnownEffectType(effectType) {
		return VerdictAsk
	}
	if lp.data.denied(effectType) {
		return VerdictDeny
	}

	mode := lp.data.mode(effectType)
	if mode == ModeOnce {
		if approved, ok := lp.remembered[effectType]; ok {
			if approved {
				return VerdictAllow
			}
			return VerdictDeny
		}
	}
	if lp.data.RiskThreshold > 0 && risk >= lp.data.RiskThreshold {
		return VerdictAsk
	}
	if mode == ModeNever {
		return VerdictAllow
	}
	return VerdictAsk
}

// Remember stores the user's answer for a "once" effect type. Answers for
// other modes are ignored; "always" must keep prompting and "never" never
// asked.
func (lp *LivePolicy) Remember(effectType string, approved bool) {
	effectType = strings.ToLower(strings.TrimSpace(effectType))

	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.mode(effectType) != ModeOnce {
		return
	}
	lp.remembered[effectType] = approved
}

// Forget clears all remembered answers, typically on task reset.
func (lp *LivePolicy) Forget() {
	lp.mu.Lock()
	lp.remembered = make(map[string]bool)
	lp.mu.Unlock()
}

// PolicyVersion returns the fingerprint of the current rule set.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// SetMode changes the confirmation mode for one effect type at runtime and
// persists the change.
func (lp *LivePolicy) SetMode(effectType string, mode Mode) error {
	effectType = strings.ToLower(strings.TrimSpace(effectType))
	if !KnownEffectType(effectType) {
		return fmt.Errorf("unknown effect type %q", effectType)
	}
	if !validMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.Confirmation == nil {
		lp.data.Confirmation = make(map[string]Mode)
	}
	lp.data.Confirmation[effectType] = mode
	delete(lp.remembered, effectType)
	return lp.persist()
}

// Reload replaces the rule set. Remembered answers are dropped because they
// were given under the old rules.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
	lp.remembered = make(map[string]bool)
}

// Snapshot returns a copy of the current rule set.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Denied = append([]string(nil), lp.data.Denied...)
	if lp.data.Confirmation != nil {
		cp.Confirmation = make(map[string]Mode, len(lp.data.Confirmation))
		for k, v := range lp.data.Confirmation {
			cp.Confirmation[k] = v
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error the previous rules remain active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
