package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Evaluator applies compiled policies to an evaluation context and reaches
// one of three decisions: ALLOW, DENY, or REQUIRE_MORE_APPROVALS.
//
// The evaluator is stateless and safe for concurrent use. Time-dependent
// conditions use an injectable clock.
type Evaluator struct {
	clock func() time.Time
}

// NewEvaluator constructs an evaluator using the wall clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate walks the compiled rule list in priority order. The first
// matching enabled rule decides the outcome unless its action requests
// continuation, in which case its reason is accumulated and evaluation
// proceeds. When no rule matches, the document's default action applies.
func (e *Evaluator) Evaluate(ctx context.Context, cp *CompiledPolicy, ec *Context) (*Result, error) {
	start := e.clock()
	result := &Result{PoliciesEvaluated: 1}

	// Caller-declared approval scopes are checked regardless of which rule
	// matches; unmet scopes force REQUIRE_MORE_APPROVALS.
	missingScopes, scopeDeficit := unmetScopes(ec)

	var accumulated []Reason
	for _, cr := range cp.Rules {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rule := cr.Rule
		if !rule.Enabled {
			continue
		}
		matched, err := e.ruleMatches(cp, rule, ec)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.ID, err)
		}
		if !matched {
			continue
		}

		if rule.Action.ContinueOnMatch {
			accumulated = append(accumulated, actionReason(rule))
			continue
		}

		res := e.decide(rule.ID, rule.Action, ec, missingScopes, scopeDeficit)
		res.Reasons = append(accumulated, res.Reasons...)
		res.PoliciesEvaluated = result.PoliciesEvaluated
		res.DurationMs = e.clock().Sub(start).Milliseconds()
		return res, nil
	}

	res := e.decide("", cp.Doc.DefaultAction, ec, missingScopes, scopeDeficit)
	res.Reasons = append(accumulated, res.Reasons...)
	res.PoliciesEvaluated = result.PoliciesEvaluated
	res.DurationMs = e.clock().Sub(start).Milliseconds()
	return res, nil
}

// decide maps a matched action onto the three-way decision.
func (e *Evaluator) decide(ruleID string, action Action, ec *Context, missingScopes []string, scopeDeficit int) *Result {
	res := &Result{MatchedRuleID: ruleID}

	switch action.Effect {
	case EffectDeny:
		res.Decision = DecisionDeny
		reason := action.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		res.Reasons = []Reason{{RuleID: ruleID, Message: reason}}
		return res

	case EffectRequireApproval:
		needed := approvalsStillNeeded(action.Approval, ec)
		if needed > 0 || scopeDeficit > 0 {
			res.Decision = DecisionRequireMoreApprovals
			res.MissingRequirements = &MissingRequirements{
				ApprovalsNeeded: needed + scopeDeficit,
				MissingScopes:   missingScopes,
			}
			res.Reasons = []Reason{{RuleID: ruleID, Message: "additional approvals required"}}
			return res
		}
		res.Decision = DecisionAllow
		return res

	case EffectAllow, EffectNotify, EffectLogOnly, EffectWarn:
		if scopeDeficit > 0 {
			res.Decision = DecisionRequireMoreApprovals
			res.MissingRequirements = &MissingRequirements{
				ApprovalsNeeded: scopeDeficit,
				MissingScopes:   missingScopes,
			}
			res.Reasons = []Reason{{Message: "required approval scopes are unsatisfied"}}
			return res
		}
		res.Decision = DecisionAllow
		if action.Effect == EffectWarn || action.Effect == EffectNotify {
			res.Reasons = []Reason{actionReason(&Rule{ID: ruleID, Action: action})}
		}
		return res

	default:
		// Unknown effects fail closed.
		res.Decision = DecisionDeny
		res.Reasons = []Reason{{RuleID: ruleID, Message: fmt.Sprintf("unknown effect %q", action.Effect)}}
		return res
	}
}

func actionReason(rule *Rule) Reason {
	msg := rule.Action.Reason
	if msg == "" {
		msg = fmt.Sprintf("%s by rule %s", rule.Action.Effect, rule.ID)
	}
	return Reason{RuleID: rule.ID, Message: msg}
}

// unmetScopes reports which caller-required approval scopes lack enough
// signed approvals, and the total approval deficit across them.
func unmetScopes(ec *Context) ([]string, int) {
	var missing []string
	deficit := 0
	for _, scope := range ec.Scopes {
		have := 0
		for _, a := range ec.Approvals {
			if a.Scope == scope.Name {
				have++
			}
		}
		need := scope.MinApprovers
		if need == 0 {
			need = 1
		}
		if have < need {
			missing = append(missing, scope.Name)
			deficit += need - have
		}
	}
	return missing, deficit
}

// approvalsStillNeeded counts how many further approvals an ApprovalConfig
// demands beyond the signed approvals already present.
func approvalsStillNeeded(cfg *ApprovalConfig, ec *Context) int {
	if cfg == nil {
		return 0
	}
	valid := 0
	for _, a := range ec.Approvals {
		if !cfg.AllowSelfApproval && a.ApproverID == ec.Actor.ID {
			continue
		}
		if len(cfg.RequiredRoles) > 0 && !containsString(cfg.RequiredRoles, a.Role) {
			continue
		}
		if len(cfg.RequiredTeams) > 0 && !containsString(cfg.RequiredTeams, a.Team) {
			continue
		}
		valid++
	}
	if valid >= cfg.MinApprovers {
		return 0
	}
	return cfg.MinApprovers - valid
}

func (e *Evaluator) ruleMatches(cp *CompiledPolicy, rule *Rule, ec *Context) (bool, error) {
	if rule.ConditionLogic != nil {
		return e.groupMatches(cp, rule.ConditionLogic, ec)
	}
	// A flat condition list is an implicit AND; an empty list always matches.
	for _, c := range rule.Conditions {
		ok, err := e.conditionMatches(cp, c, ec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) groupMatches(cp *CompiledPolicy, g *ConditionGroup, ec *Context) (bool, error) {
	members := make([]bool, 0, len(g.Conditions)+1)
	for _, c := range g.Conditions {
		ok, err := e.conditionMatches(cp, c, ec)
		if err != nil {
			return false, err
		}
		members = append(members, ok)
	}
	if g.Group != nil {
		ok, err := e.groupMatches(cp, g.Group, ec)
		if err != nil {
			return false, err
		}
		members = append(members, ok)
	}

	switch g.Operator {
	case GroupAnd:
		for _, ok := range members {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case GroupOr:
		for _, ok := range members {
			if ok {
				return true, nil
			}
		}
		return false, nil
	case GroupNot:
		for _, ok := range members {
			if ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown group operator %q", g.Operator)
	}
}

// conditionMatches dispatches on the condition kind. The switch is
// exhaustive over the closed sum; an unpopulated variant is an error, not
// a silent non-match.
func (e *Evaluator) conditionMatches(cp *CompiledPolicy, c Condition, ec *Context) (bool, error) {
	switch c.Kind {
	case CondComplexity:
		return matchComplexity(c.Complexity, ec), nil
	case CondFilePath:
		return matchFilePath(cp, c.FilePath, ec), nil
	case CondAuthor:
		return matchAuthor(c.Author, ec), nil
	case CondTimeWindow:
		return matchTimeWindow(c.TimeWindow, e.clock())
	case CondRepository:
		return matchRepository(cp, c.Repository, ec), nil
	case CondBranch:
		return matchBranch(cp, c.Branch, ec), nil
	case CondLabel:
		return matchLabel(c.Label, ec), nil
	case CondAgent:
		return matchAgent(c.Agent, ec), nil
	case CondCustom:
		return e.matchCustom(cp, c.Custom, ec)
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func matchComplexity(c *ComplexityCondition, ec *Context) bool {
	op := c.Operator
	if op == "" {
		op = "gte"
	}
	v := ec.Resource.Complexity
	switch op {
	case "gt":
		return v > c.Threshold
	case "gte":
		return v >= c.Threshold
	case "lt":
		return v < c.Threshold
	case "lte":
		return v <= c.Threshold
	}
	return false
}

func matchFilePath(cp *CompiledPolicy, c *FilePathCondition, ec *Context) bool {
	for _, path := range ec.Resource.Paths {
		excluded := false
		for _, pat := range c.Exclude {
			if cp.matchGlob(pat, path) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		if len(c.Include) == 0 {
			return true
		}
		for _, pat := range c.Include {
			if cp.matchGlob(pat, path) {
				return true
			}
		}
	}
	return false
}

func matchAuthor(c *AuthorCondition, ec *Context) bool {
	if len(c.IDs) > 0 && !containsString(c.IDs, ec.Actor.ID) {
		return false
	}
	if len(c.Roles) > 0 && !containsString(c.Roles, ec.Actor.Role) {
		return false
	}
	if len(c.Teams) > 0 {
		found := false
		for _, t := range ec.Actor.Teams {
			if containsString(c.Teams, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchTimeWindow(c *TimeWindowCondition, now time.Time) (bool, error) {
	loc := time.UTC
	if c.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	local := now.In(loc)

	inside := true
	if len(c.Days) > 0 {
		day := strings.ToLower(local.Weekday().String())
		found := false
		for _, d := range c.Days {
			if strings.ToLower(d) == day {
				found = true
				break
			}
		}
		inside = found
	}
	if inside {
		h := local.Hour()
		if c.StartHour <= c.EndHour {
			inside = h >= c.StartHour && h < c.EndHour
		} else {
			// window wraps midnight
			inside = h >= c.StartHour || h < c.EndHour
		}
	}

	if c.Mode == "outside" {
		return !inside, nil
	}
	return inside, nil
}

func matchRepository(cp *CompiledPolicy, c *RepositoryCondition, ec *Context) bool {
	if c.Visibility != "" && c.Visibility != ec.Resource.Visibility {
		return false
	}
	if len(c.Names) == 0 {
		return true
	}
	for _, n := range c.Names {
		if n == ec.Resource.Repo || cp.matchGlob(n, ec.Resource.Repo) {
			return true
		}
	}
	return false
}

func matchBranch(cp *CompiledPolicy, c *BranchCondition, ec *Context) bool {
	if c.ProtectedOnly && !ec.Resource.ProtectedBranch {
		return false
	}
	if len(c.Names) == 0 {
		return true
	}
	for _, n := range c.Names {
		if n == ec.Resource.Branch || cp.matchGlob(n, ec.Resource.Branch) {
			return true
		}
	}
	return false
}

func matchLabel(c *LabelCondition, ec *Context) bool {
	have := make(map[string]bool, len(ec.Labels))
	for _, l := range ec.Labels {
		have[l] = true
	}
	switch c.Mode {
	case LabelAll:
		for _, l := range c.Labels {
			if !have[l] {
				return false
			}
		}
		return true
	case LabelNone:
		for _, l := range c.Labels {
			if have[l] {
				return false
			}
		}
		return true
	default: // any
		for _, l := range c.Labels {
			if have[l] {
				return true
			}
		}
		return false
	}
}

func matchAgent(c *AgentCondition, ec *Context) bool {
	if len(c.Types) > 0 && !containsString(c.Types, ec.Actor.Type) {
		return false
	}
	if c.MinConfidence > 0 && ec.Actor.Confidence < c.MinConfidence {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
