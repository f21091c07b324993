package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ValidationError reports one problem at one field path.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationErrors is the full set of problems found in a document.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "policy: document is invalid"
	}
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return "policy: invalid document: " + strings.Join(parts, "; ")
}

// Validator checks raw policy documents and produces typed Documents.
// It is pure: no side effects, safe for concurrent use.
type Validator struct {
	fields *validator.Validate
}

// NewValidator constructs a document validator.
func NewValidator() *Validator {
	return &Validator{fields: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateJSON decodes raw JSON and validates it as a policy document.
func (v *Validator) ValidateJSON(raw []byte) (*Document, ValidationErrors) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ValidationErrors{{Path: "$", Message: "malformed JSON: " + err.Error()}}
	}
	return v.Validate(&doc)
}

// Validate checks a decoded document. On success the returned document is
// the validated input; on failure it is nil and the error list is non-empty.
func (v *Validator) Validate(doc *Document) (*Document, ValidationErrors) {
	var errs ValidationErrors

	if doc.Name == "" {
		errs = append(errs, ValidationError{Path: "name", Message: "must not be empty"})
	}
	if doc.Version == "" {
		errs = append(errs, ValidationError{Path: "version", Message: "must not be empty"})
	} else if _, err := semver.NewVersion(doc.Version); err != nil {
		errs = append(errs, ValidationError{Path: "version", Message: "must be a semantic version"})
	}

	switch doc.Scope {
	case ScopeGlobal, ScopeOrg, ScopeRepo, ScopeBranch:
	default:
		errs = append(errs, ValidationError{Path: "scope", Message: fmt.Sprintf("unknown scope %q", doc.Scope)})
	}
	if doc.Scope != ScopeGlobal && doc.ScopeTarget == "" {
		errs = append(errs, ValidationError{Path: "scopeTarget", Message: "required for non-global scopes"})
	}
	switch doc.Inheritance {
	case "", InheritReplace, InheritExtend, InheritOverride:
	default:
		errs = append(errs, ValidationError{Path: "inheritance", Message: fmt.Sprintf("unknown inheritance %q", doc.Inheritance)})
	}

	errs = append(errs, v.validateAction("defaultAction", doc.DefaultAction)...)

	seen := make(map[string]bool, len(doc.Rules))
	for i, rule := range doc.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if rule.ID == "" {
			errs = append(errs, ValidationError{Path: path + ".id", Message: "must not be empty"})
		} else {
			if !ruleIDPattern.MatchString(rule.ID) {
				errs = append(errs, ValidationError{Path: path + ".id", Message: "must be alphanumeric plus hyphen"})
			}
			if seen[rule.ID] {
				errs = append(errs, ValidationError{Path: path + ".id", Message: fmt.Sprintf("duplicate rule id %q", rule.ID)})
			}
			seen[rule.ID] = true
		}
		if len(rule.Conditions) > 0 && rule.ConditionLogic != nil {
			errs = append(errs, ValidationError{Path: path, Message: "conditions and conditionLogic are mutually exclusive"})
		}
		for j, cond := range rule.Conditions {
			errs = append(errs, v.validateCondition(fmt.Sprintf("%s.conditions[%d]", path, j), cond)...)
		}
		if rule.ConditionLogic != nil {
			errs = append(errs, v.validateGroup(path+".conditionLogic", rule.ConditionLogic, 0)...)
		}
		errs = append(errs, v.validateAction(path+".action", rule.Action)...)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

func (v *Validator) validateAction(path string, a Action) ValidationErrors {
	var errs ValidationErrors
	switch a.Effect {
	case EffectAllow, EffectDeny, EffectRequireApproval, EffectNotify, EffectLogOnly, EffectWarn:
	default:
		errs = append(errs, ValidationError{Path: path + ".effect", Message: fmt.Sprintf("unknown effect %q", a.Effect)})
	}
	if a.Effect == EffectRequireApproval && a.Approval == nil {
		errs = append(errs, ValidationError{Path: path + ".approval", Message: "required when effect is require_approval"})
	}
	if a.Approval != nil {
		errs = append(errs, v.structErrors(path+".approval", a.Approval)...)
	}
	if a.Effect == EffectNotify && a.Notification == nil {
		errs = append(errs, ValidationError{Path: path + ".notification", Message: "required when effect is notify"})
	}
	if a.Notification != nil {
		errs = append(errs, v.structErrors(path+".notification", a.Notification)...)
	}
	return errs
}

func (v *Validator) validateGroup(path string, g *ConditionGroup, depth int) ValidationErrors {
	var errs ValidationErrors
	switch g.Operator {
	case GroupAnd, GroupOr, GroupNot:
	default:
		errs = append(errs, ValidationError{Path: path + ".operator", Message: fmt.Sprintf("unknown operator %q", g.Operator)})
	}
	if len(g.Conditions) == 0 && g.Group == nil {
		errs = append(errs, ValidationError{Path: path, Message: "group must contain conditions or a nested group"})
	}
	if len(g.Conditions) > 0 && g.Group != nil {
		errs = append(errs, ValidationError{Path: path, Message: "group may contain conditions or a nested group, not both"})
	}
	for i, cond := range g.Conditions {
		errs = append(errs, v.validateCondition(fmt.Sprintf("%s.conditions[%d]", path, i), cond)...)
	}
	if g.Group != nil {
		if depth >= 1 {
			errs = append(errs, ValidationError{Path: path + ".group", Message: "groups may nest at most one level deep"})
		} else {
			errs = append(errs, v.validateGroup(path+".group", g.Group, depth+1)...)
		}
	}
	return errs
}

func (v *Validator) validateCondition(path string, c Condition) ValidationErrors {
	var errs ValidationErrors

	variants := map[ConditionKind]any{}
	if c.Complexity != nil {
		variants[CondComplexity] = c.Complexity
	}
	if c.FilePath != nil {
		variants[CondFilePath] = c.FilePath
	}
	if c.Author != nil {
		variants[CondAuthor] = c.Author
	}
	if c.TimeWindow != nil {
		variants[CondTimeWindow] = c.TimeWindow
	}
	if c.Repository != nil {
		variants[CondRepository] = c.Repository
	}
	if c.Branch != nil {
		variants[CondBranch] = c.Branch
	}
	if c.Label != nil {
		variants[CondLabel] = c.Label
	}
	if c.Agent != nil {
		variants[CondAgent] = c.Agent
	}
	if c.Custom != nil {
		variants[CondCustom] = c.Custom
	}

	if len(variants) != 1 {
		errs = append(errs, ValidationError{Path: path, Message: "exactly one condition variant must be set"})
		return errs
	}
	body, ok := variants[c.Kind]
	if !ok {
		errs = append(errs, ValidationError{Path: path + ".kind", Message: fmt.Sprintf("kind %q does not match the populated variant", c.Kind)})
		return errs
	}

	errs = append(errs, v.structErrors(path, body)...)
	return errs
}

// structErrors runs tag-based field validation and maps each failure to a
// field path entry.
func (v *Validator) structErrors(path string, s any) ValidationErrors {
	err := v.fields.Struct(s)
	if err == nil {
		return nil
	}
	invalid, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Path: path, Message: err.Error()}}
	}
	errs := make(ValidationErrors, 0, len(invalid))
	for _, fe := range invalid {
		// Namespace is Type.Field...; strip the leading type name.
		ns := fe.Namespace()
		if idx := strings.Index(ns, "."); idx >= 0 {
			ns = ns[idx+1:]
		}
		field := strings.ToLower(ns[:1]) + ns[1:]
		errs = append(errs, ValidationError{
			Path:    path + "." + field,
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
		})
	}
	return errs
}
