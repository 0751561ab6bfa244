package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type OwnerQuota struct {
	MaxRunningTasks  int     `yaml:"max_running_tasks"`
	MaxRunningJobs   int     `yaml:"max_running_jobs"`
	SubmitsPerMinute float64 `yaml:"submits_per_minute"`
}

type RuleMatch struct {
	Owner        string `yaml:"owner"`
	TaskType     string `yaml:"task_type"`
	Priority     string `yaml:"priority"`
	PrivacyMode  string `yaml:"privacy_mode"`
	Verification string `yaml:"verification"`
	Worker       string `yaml:"worker"`
	RequiresGPU  *bool  `yaml:"requires_gpu"`
}

type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // allow|deny
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

type Config struct {
	DefaultAction string                `yaml:"default_action"` // allow|deny
	Rules         []Rule                `yaml:"rules"`
	OwnerQuotas   map[string]OwnerQuota `yaml:"owner_quotas"`
}

type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

type SubmitInput struct {
	Owner        string
	TaskType     string
	Priority     string
	PrivacyMode  string
	Verification string
	RequiresGPU  bool
	RunningTasks int
}

type AssignmentInput struct {
	Owner       string
	TaskType    string
	Worker      string
	RequiresGPU bool
	RunningJobs int
}

// Engine decides whether tasks are admitted and where their jobs may run.
// Rules are evaluated in order; the first match wins.
type Engine struct {
	defaultAction string
	rules         []Rule
	quotas        map[string]OwnerQuota
	noop          bool
}

func NewAllowAll() *Engine {
	return &Engine{
		defaultAction: "allow",
		quotas:        map[string]OwnerQuota{},
		noop:          true,
	}
}

func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("P2PNET_POLICY_FILE"))
	if path == "" {
		return NewAllowAll(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{
		defaultAction: normalizeAction(cfg.DefaultAction),
		rules:         make([]Rule, 0, len(cfg.Rules)),
		quotas:        map[string]OwnerQuota{},
	}
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		e.rules = append(e.rules, r)
	}
	for k, v := range cfg.OwnerQuotas {
		e.quotas[strings.TrimSpace(k)] = v
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if e.defaultAction == "allow" && len(e.rules) == 0 && len(e.quotas) == 0 {
		e.noop = true
	}
	return e
}

func (e *Engine) IsNoop() bool { return e == nil || e.noop }

// SubmitRate returns the owner's submit rate when a quota sets one.
func (e *Engine) SubmitRate(owner string) (float64, bool) {
	if e.IsNoop() {
		return 0, false
	}
	q, ok := e.quotas[ownerKey(owner)]
	if !ok || q.SubmitsPerMinute <= 0 {
		return 0, false
	}
	return q.SubmitsPerMinute, true
}

func (e *Engine) EvaluateSubmit(in SubmitInput) Decision {
	if e.IsNoop() {
		return allowDefault()
	}
	owner := ownerKey(in.Owner)
	if q, ok := e.quotas[owner]; ok && q.MaxRunningTasks > 0 && in.RunningTasks >= q.MaxRunningTasks {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_tasks_exceeded",
			Rule:       "owner_quotas." + owner,
			Message:    fmt.Sprintf("running tasks %d reached max_running_tasks %d", in.RunningTasks, q.MaxRunningTasks),
		}
	}
	return e.evaluateRules(RuleMatch{
		Owner:        owner,
		TaskType:     in.TaskType,
		Priority:     in.Priority,
		PrivacyMode:  in.PrivacyMode,
		Verification: in.Verification,
		RequiresGPU:  &in.RequiresGPU,
	})
}

func (e *Engine) EvaluateAssignment(in AssignmentInput) Decision {
	if e.IsNoop() {
		return allowDefault()
	}
	owner := ownerKey(in.Owner)
	if q, ok := e.quotas[owner]; ok && q.MaxRunningJobs > 0 && in.RunningJobs >= q.MaxRunningJobs {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_jobs_exceeded",
			Rule:       "owner_quotas." + owner,
			Message:    fmt.Sprintf("running jobs %d reached max_running_jobs %d", in.RunningJobs, q.MaxRunningJobs),
		}
	}
	return e.evaluateRules(RuleMatch{
		Owner:       owner,
		TaskType:    in.TaskType,
		Worker:      in.Worker,
		RequiresGPU: &in.RequiresGPU,
	})
}

func (e *Engine) evaluateRules(input RuleMatch) Decision {
	for _, r := range e.rules {
		if !matches(r.Match, input) {
			continue
		}
		reason := "policy_rule_" + r.Effect
		if r.Reason != "" {
			reason = strings.TrimSpace(r.Reason)
		}
		msg := reason
		if r.Name != "" {
			msg = r.Name + ": " + reason
		}
		return Decision{Allowed: r.Effect == "allow", ReasonCode: reason, Rule: r.Name, Message: msg}
	}
	if e.defaultAction == "deny" {
		return Decision{
			Allowed:    false,
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    "request denied by default_action=deny",
		}
	}
	return allowDefault()
}

func allowDefault() Decision {
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    "request allowed by default_action=allow",
	}
}

func matches(rule RuleMatch, in RuleMatch) bool {
	for _, f := range [][2]string{
		{rule.Owner, in.Owner},
		{rule.TaskType, in.TaskType},
		{rule.Priority, in.Priority},
		{rule.PrivacyMode, in.PrivacyMode},
		{rule.Verification, in.Verification},
		{rule.Worker, in.Worker},
	} {
		if f[0] != "" && f[0] != f[1] {
			return false
		}
	}
	if rule.RequiresGPU != nil && *rule.RequiresGPU != derefBool(in.RequiresGPU) {
		return false
	}
	return true
}

func ownerKey(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "default"
	}
	return owner
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

// DeniedError carries the decision that rejected a request.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return "policy denied: " + e.Decision.Message
}

// Err returns a *DeniedError for a denying decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}
