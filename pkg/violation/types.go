// Package violation detects, deduplicates, and aggregates governance
// violations: policy denials, approval bypasses, exceeded limits, and
// behavioral anomalies.
package violation

import "time"

// Type discriminates violation records.
type Type string

const (
	TypePolicyDenied     Type = "policy-denied"
	TypeApprovalBypassed Type = "approval-bypassed"
	TypeLimitExceeded    Type = "limit-exceeded"
	TypeAnomalyDetected  Type = "anomaly-detected"
)

// Severity ranks violations. Ordering matters for pattern reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Status tracks a violation through triage.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusDismissed    Status = "dismissed"
)

// Violation is a persisted record of a detected breach.
type Violation struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Type           Type              `json:"type"`
	Severity       Severity          `json:"severity"`
	Status         Status            `json:"status"`
	Actor          string            `json:"actor"`
	ActorType      string            `json:"actorType,omitempty"`
	Resource       string            `json:"resource"`
	Action         string            `json:"action"`
	DetectedAt     time.Time         `json:"detectedAt"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Details        Details           `json:"details"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Details carries the type-specific payload. Exactly one field is set,
// matching the violation type.
type Details struct {
	PolicyDenial   *PolicyDenialDetails   `json:"policyDenial,omitempty"`
	ApprovalBypass *ApprovalBypassDetails `json:"approvalBypass,omitempty"`
	LimitExceeded  *LimitExceededDetails  `json:"limitExceeded,omitempty"`
	Anomaly        *AnomalyDetails        `json:"anomaly,omitempty"`
}

// PolicyDenialDetails records the denial that triggered the violation.
type PolicyDenialDetails struct {
	MatchedRuleID string   `json:"matchedRuleId"`
	Reasons       []string `json:"reasons,omitempty"`
}

// ApprovalBypassDetails records how an approval workflow was bypassed.
type ApprovalBypassDetails struct {
	WorkflowID   string `json:"workflowId"`
	BypassMethod string `json:"bypassMethod"`
}

// LimitExceededDetails records which limit was breached and by how much.
type LimitExceededDetails struct {
	LimitName string  `json:"limitName"`
	LimitType string  `json:"limitType"`
	Limit     float64 `json:"limit"`
	Observed  float64 `json:"observed"`
}

// AnomalyDetails records the anomaly signal.
type AnomalyDetails struct {
	Kind       string  `json:"kind"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// PolicyEvaluationSignal is the detector input for a gate denial.
type PolicyEvaluationSignal struct {
	TenantID      string
	ActorID       string
	ActorType     string
	Resource      string
	Action        string
	MatchedRuleID string
	Reasons       []string
	Severity      Severity // zero value defaults to medium
}

// ApprovalBypassSignal is the detector input for a bypassed approval.
type ApprovalBypassSignal struct {
	TenantID     string
	ActorID      string
	Resource     string
	Action       string
	WorkflowID   string
	BypassMethod string
}

// RateLimitSignal is the detector input for an exceeded limit.
type RateLimitSignal struct {
	TenantID  string
	ActorID   string
	Resource  string
	Action    string
	LimitName string
	LimitType string
	Limit     float64
	Observed  float64
}

// AnomalySignal is the detector input for a behavioral anomaly.
type AnomalySignal struct {
	TenantID   string
	ActorID    string
	Resource   string
	Action     string
	Kind       string
	Score      float64
	Confidence float64
}

// Detection is the outcome of one detector call.
type Detection struct {
	Violation    *Violation `json:"violation,omitempty"`
	Deduplicated bool       `json:"deduplicated"`
	Suppressed   bool       `json:"suppressed"`
	Pattern      *Pattern   `json:"pattern,omitempty"`
}

// Dimension selects how pattern aggregation groups violations.
type Dimension string

const (
	GroupByType         Dimension = "type"
	GroupByActor        Dimension = "actor"
	GroupByResource     Dimension = "resource"
	GroupByTypeActor    Dimension = "type+actor"
	GroupByTypeResource Dimension = "type+resource"
)

// Pattern is an aggregation of violations sharing a group key within the
// rolling aggregation window.
type Pattern struct {
	GroupKey        string    `json:"groupKey"`
	Dimension       Dimension `json:"dimension"`
	TenantID        string    `json:"tenantId"`
	Type            Type      `json:"type,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	Resource        string    `json:"resource,omitempty"`
	Count           int       `json:"count"`
	UniqueActors    int       `json:"uniqueActors"`
	UniqueResources int       `json:"uniqueResources"`
	MaxSeverity     Severity  `json:"maxSeverity"`
	FirstAt         time.Time `json:"firstAt"`
	LastAt          time.Time `json:"lastAt"`
	SampleIDs       []string  `json:"sampleIds,omitempty"`
}
