// Package policy defines the typed policy document model: scoped rule sets
// with nested boolean condition logic, approval requirements, and actions.
//
// Documents are pure data. Validation and evaluation live alongside the
// model but never mutate it.
package policy

import "time"

// Scope determines where a policy document applies.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeOrg    Scope = "org"
	ScopeRepo   Scope = "repo"
	ScopeBranch Scope = "branch"
)

// Inheritance controls how a scoped document combines with its parent.
type Inheritance string

const (
	InheritReplace  Inheritance = "replace"
	InheritExtend   Inheritance = "extend"
	InheritOverride Inheritance = "override"
)

// Effect is the outcome a matched rule requests.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
	EffectNotify          Effect = "notify"
	EffectLogOnly         Effect = "log_only"
	EffectWarn            Effect = "warn"
)

// Document is a versioned, scoped set of rules plus a default action.
// Rules are evaluated in descending Priority; the first matching enabled
// rule wins unless its action sets ContinueOnMatch.
type Document struct {
	Version        string            `json:"version" yaml:"version"`
	Name           string            `json:"name" yaml:"name"`
	Scope          Scope             `json:"scope" yaml:"scope"`
	ScopeTarget    string            `json:"scopeTarget,omitempty" yaml:"scopeTarget,omitempty"`
	Inheritance    Inheritance       `json:"inheritance,omitempty" yaml:"inheritance,omitempty"`
	ParentPolicyID string            `json:"parentPolicyId,omitempty" yaml:"parentPolicyId,omitempty"`
	DefaultAction  Action            `json:"defaultAction" yaml:"defaultAction"`
	Rules          []Rule            `json:"rules" yaml:"rules"`
	Variables      map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Rule is a single named rule within a document. Conditions and
// ConditionLogic are mutually exclusive: flat condition lists are implicit
// AND, ConditionLogic carries explicit boolean structure.
type Rule struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	Priority       int             `json:"priority" yaml:"priority"`
	Conditions     []Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionLogic *ConditionGroup `json:"conditionLogic,omitempty" yaml:"conditionLogic,omitempty"`
	Action         Action          `json:"action" yaml:"action"`
}

// GroupOperator combines members of a ConditionGroup.
type GroupOperator string

const (
	GroupAnd GroupOperator = "and"
	GroupOr  GroupOperator = "or"
	GroupNot GroupOperator = "not"
)

// ConditionGroup is a boolean combination of conditions. A group may
// contain atomic conditions or one further group, never deeper nesting.
type ConditionGroup struct {
	Operator   GroupOperator   `json:"operator" yaml:"operator"`
	Conditions []Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Group      *ConditionGroup `json:"group,omitempty" yaml:"group,omitempty"`
}

// Action describes what happens when a rule matches.
type Action struct {
	Effect          Effect              `json:"effect" yaml:"effect"`
	Reason          string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	Approval        *ApprovalConfig     `json:"approval,omitempty" yaml:"approval,omitempty"`
	Notification    *NotificationConfig `json:"notification,omitempty" yaml:"notification,omitempty"`
	ContinueOnMatch bool                `json:"continueOnMatch,omitempty" yaml:"continueOnMatch,omitempty"`
}

// ApprovalConfig parameterizes a require_approval effect.
type ApprovalConfig struct {
	MinApprovers      int      `json:"minApprovers" yaml:"minApprovers" validate:"gte=1"`
	RequiredRoles     []string `json:"requiredRoles,omitempty" yaml:"requiredRoles,omitempty"`
	RequiredTeams     []string `json:"requiredTeams,omitempty" yaml:"requiredTeams,omitempty"`
	TimeoutHours      int      `json:"timeoutHours" yaml:"timeoutHours" validate:"gte=1,lte=168"`
	AllowSelfApproval bool     `json:"allowSelfApproval,omitempty" yaml:"allowSelfApproval,omitempty"`
	EscalateTo        []string `json:"escalateTo,omitempty" yaml:"escalateTo,omitempty"`
}

// NotificationConfig parameterizes notify effects.
type NotificationConfig struct {
	Channels   []string `json:"channels" yaml:"channels" validate:"min=1"`
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Severity   string   `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=info warning critical"`
}

// Decision is the verdict an evaluator returns for a document.
type DecisionKind string

const (
	DecisionAllow                DecisionKind = "ALLOW"
	DecisionDeny                 DecisionKind = "DENY"
	DecisionRequireMoreApprovals DecisionKind = "REQUIRE_MORE_APPROVALS"
)

// MissingRequirements describes what a REQUIRE_MORE_APPROVALS decision still needs.
type MissingRequirements struct {
	ApprovalsNeeded int      `json:"approvalsNeeded"`
	MissingScopes   []string `json:"missingScopes,omitempty"`
}

// Reason is one structured explanation attached to a decision.
type Reason struct {
	RuleID     string `json:"ruleId,omitempty"`
	Message    string `json:"message"`
	Resolution string `json:"resolution,omitempty"`
}

// Result is the full output of evaluating a context against policy.
type Result struct {
	Decision            DecisionKind         `json:"decision"`
	Reasons             []Reason             `json:"reasons,omitempty"`
	MatchedRuleID       string               `json:"matchedRuleId,omitempty"`
	PoliciesEvaluated   int                  `json:"policiesEvaluated"`
	DurationMs          int64                `json:"durationMs"`
	MissingRequirements *MissingRequirements `json:"missingRequirements,omitempty"`
}

// Context is the immutable snapshot an evaluator decides on.
// Built once per gate call; evaluators must treat it as read-only.
type Context struct {
	TenantID    string            `json:"tenantId"`
	Action      string            `json:"action"`
	Actor       Actor             `json:"actor"`
	Resource    Resource          `json:"resource"`
	Approvals   []SignedApproval  `json:"approvals,omitempty"`
	Scopes      []ApprovalScope   `json:"requiredScopes,omitempty"`
	PlanHash    string            `json:"planHash,omitempty"`
	PatchHash   string            `json:"patchHash,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	EvaluatedAt time.Time         `json:"evaluatedAt"`
}

// Actor identifies who is attempting the action.
type Actor struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"` // "human" or an agent type
	Role       string   `json:"role,omitempty"`
	Teams      []string `json:"teams,omitempty"`
	Email      string   `json:"email,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Resource identifies what the action targets.
type Resource struct {
	Type            string   `json:"type"`
	ID              string   `json:"id"`
	Repo            string   `json:"repo,omitempty"`
	Branch          string   `json:"branch,omitempty"`
	Visibility      string   `json:"visibility,omitempty"`
	ProtectedBranch bool     `json:"protectedBranch,omitempty"`
	Production      bool     `json:"production,omitempty"`
	Complexity      float64  `json:"complexity,omitempty"`
	Paths           []string `json:"paths,omitempty"`
}

// SignedApproval is an approval whose signature the caller has already
// verified. The evaluator trusts it as authentic.
type SignedApproval struct {
	ApproverID string    `json:"approverId"`
	Role       string    `json:"role,omitempty"`
	Team       string    `json:"team,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	SignedAt   time.Time `json:"signedAt"`
	Signature  string    `json:"signature"`
}

// ApprovalScope names an approval requirement the caller wants satisfied.
type ApprovalScope struct {
	Name         string `json:"name"`
	MinApprovers int    `json:"minApprovers"`
}
