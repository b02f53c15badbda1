// Package policy is the approval boundary the dispatcher consults before
// assigning work. The full approval pipeline lives outside this process;
// here it is an interface with a rules-file implementation and an AllowAll
// default.
package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of an approval check.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictDelay Verdict = "delay"
)

// Dispatch describes the assignment being approved.
type Dispatch struct {
	TaskID        string
	TaskType      string
	Handler       string
	Domain        string
	Origin        string
	Priority      string
	AttemptNumber int
	DataSizeBytes int64
}

// Decision is the checker's answer. Deny surfaces as a nonretryable failure;
// Delay re-queues the task for RetryAfter.
type Decision struct {
	Verdict    Verdict
	Reason     string
	RetryAfter time.Duration
}

// Checker gates dispatch. Implementations must be safe for concurrent use.
type Checker interface {
	Approve(ctx context.Context, d Dispatch) (Decision, error)
	PolicyVersion() string
}

// AllowAll approves everything. The default when no policy file exists.
type AllowAll struct{}

func (AllowAll) Approve(context.Context, Dispatch) (Decision, error) {
	return Decision{Verdict: VerdictAllow}, nil
}

func (AllowAll) PolicyVersion() string { return "policy-allow-all" }

// HoldWindow delays matching dispatches until past the daily end hour.
type HoldWindow struct {
	TaskTypePrefix string `yaml:"task_type_prefix"`
	StartHour      int    `yaml:"start_hour"`
	EndHour        int    `yaml:"end_hour"`
}

// Policy is the serializable rules data.
type Policy struct {
	Default       string       `yaml:"default"` // "allow" or "deny"
	DenyHandlers  []string     `yaml:"deny_handlers"`
	DenyTaskTypes []string     `yaml:"deny_task_types"`
	DenyDomains   []string     `yaml:"deny_domains"`
	AllowOrigins  []string     `yaml:"allow_origins"` // empty = all origins
	MaxDataBytes  int64        `yaml:"max_data_bytes"`
	HoldWindows   []HoldWindow `yaml:"hold_windows"`
}

func Default() Policy {
	return Policy{Default: "allow"}
}

// DefaultYAML is the policy file written on first run. It allows everything
// and documents the knobs an operator can tighten.
func DefaultYAML() string {
	return `# Taskforge dispatch policy. Consulted before every assignment.
# A missing or empty file behaves like "default: allow" with no rules.

default: allow

# Handlers and task types are matched by prefix ("shell" blocks "shell.exec").
deny_handlers: []
deny_task_types: []

# Domains refused outright.
deny_domains: []

# Restrict admission to these origins. Empty allows all.
allow_origins: []

# Reject payloads above this size in bytes. 0 disables the limit.
max_data_bytes: 0

# Hold matching task types until end_hour (local time, hours 0-23).
# Example:
#   - task_type_prefix: maintenance
#     start_hour: 8
#     end_hour: 18
hold_windows: []
`
}

// Load reads a policy file. A missing or empty file yields the default
// allow-everything policy.
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

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Default)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("policy default must be allow or deny, got %q", p.Default)
	}
	for _, w := range p.HoldWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			return fmt.Errorf("hold window hours must be in [0,23], got %d-%d", w.StartHour, w.EndHour)
		}
	}
	if p.MaxDataBytes < 0 {
		return fmt.Errorf("max_data_bytes must be >= 0")
	}
	return nil
}

func containsNormalized(slice []string, val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

func matchesPrefix(slice []string, val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	for _, s := range slice {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if val == s || strings.HasPrefix(val, s+".") {
			return true
		}
	}
	return false
}

func inWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps midnight.
	return hour >= start || hour < end
}

// approve evaluates a dispatch against the rules at the given time.
func (p Policy) approve(d Dispatch, now time.Time) Decision {
	if matchesPrefix(p.DenyHandlers, d.Handler) {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("handler %q denied by policy", d.Handler)}
	}
	if matchesPrefix(p.DenyTaskTypes, d.TaskType) {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("task type %q denied by policy", d.TaskType)}
	}
	if d.Domain != "" && containsNormalized(p.DenyDomains, d.Domain) {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("domain %q denied by policy", d.Domain)}
	}
	if len(p.AllowOrigins) > 0 && !containsNormalized(p.AllowOrigins, d.Origin) {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("origin %q not in allowed set", d.Origin)}
	}
	if p.MaxDataBytes > 0 && d.DataSizeBytes > p.MaxDataBytes {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("payload %d bytes exceeds policy limit %d", d.DataSizeBytes, p.MaxDataBytes)}
	}

	for _, w := range p.HoldWindows {
		if w.TaskTypePrefix != "" && !strings.HasPrefix(strings.ToLower(d.TaskType), strings.ToLower(w.TaskTypePrefix)) {
			continue
		}
		if inWindow(now.Hour(), w.StartHour, w.EndHour) {
			resume := time.Date(now.Year(), now.Month(), now.Day(), w.EndHour, 0, 0, 0, now.Location())
			if !resume.After(now) {
				resume = resume.Add(24 * time.Hour)
			}
			return Decision{
				Verdict:    VerdictDelay,
				Reason:     fmt.Sprintf("task type %q held until %02d:00", d.TaskType, w.EndHour),
				RetryAfter: resume.Sub(now),
			}
		}
	}

	if strings.ToLower(strings.TrimSpace(p.Default)) == "deny" {
		return Decision{Verdict: VerdictDeny, Reason: "policy default is deny"}
	}
	return Decision{Verdict: VerdictAllow}
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + strings.ToLower(strings.TrimSpace(p.Default)) + "|"))
	for _, v := range p.DenyHandlers {
		_, _ = h.Write([]byte("h:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.DenyTaskTypes {
		_, _ = h.Write([]byte("t:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.DenyDomains {
		_, _ = h.Write([]byte("d:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowOrigins {
		_, _ = h.Write([]byte("o:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("max=" + strconv.FormatInt(p.MaxDataBytes, 10) + "|"))
	for _, w := range p.HoldWindows {
		_, _ = h.Write([]byte(fmt.Sprintf("w:%s:%d-%d|", strings.ToLower(w.TaskTypePrefix), w.StartHour, w.EndHour)))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reads and hot reload. It is the
// Checker handed to the dispatcher when a policy file is configured.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	now  func() time.Time
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial, now: time.Now}
}

func (lp *LivePolicy) Approve(_ context.Context, d Dispatch) (Decision, error) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.approve(d, lp.now()), nil
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DenyHandlers = append([]string(nil), lp.data.DenyHandlers...)
	cp.DenyTaskTypes = append([]string(nil), lp.data.DenyTaskTypes...)
	cp.DenyDomains = append([]string(nil), lp.data.DenyDomains...)
	cp.AllowOrigins = append([]string(nil), lp.data.AllowOrigins...)
	cp.HoldWindows = append([]HoldWindow(nil), lp.data.HoldWindows...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
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
