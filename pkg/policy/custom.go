package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// matchCustom compares an open context field against the condition value.
func (e *Evaluator) matchCustom(cp *CompiledPolicy, c *CustomCondition, ec *Context) (bool, error) {
	val, exists := lookupField(ec, c.Field)

	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return exists == want, nil
	}
	if !exists {
		return false, nil
	}

	switch c.Operator {
	case OpEq:
		return looseEqual(val, c.Value), nil
	case OpNe:
		return !looseEqual(val, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn, OpNin:
		list, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("custom %q: %s operator requires a list value", c.Field, c.Operator)
		}
		found := false
		for _, item := range list {
			if looseEqual(val, item) {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	case OpContains:
		switch v := val.(type) {
		case string:
			needle, _ := c.Value.(string)
			return needle != "" && strings.Contains(v, needle), nil
		case []any:
			for _, item := range v {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		case []string:
			needle, _ := c.Value.(string)
			return containsString(v, needle), nil
		}
		return false, nil
	case OpMatches:
		expr, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("custom %q: matches operator requires a string pattern", c.Field)
		}
		re := cp.regex(expr)
		if re == nil {
			var err error
			re, err = regexp.Compile(expr)
			if err != nil {
				return false, fmt.Errorf("custom %q: %w", c.Field, err)
			}
		}
		return re.MatchString(toString(val)), nil
	case OpGlob:
		expr, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("custom %q: glob operator requires a string pattern", c.Field)
		}
		return cp.matchGlob(expr, toString(val)), nil
	default:
		return false, fmt.Errorf("custom %q: unknown operator %q", c.Field, c.Operator)
	}
}

// lookupField resolves a field name against the open Fields map first,
// then against a fixed set of well-known context paths.
func lookupField(ec *Context, field string) (any, bool) {
	if v, ok := ec.Fields[field]; ok {
		return v, true
	}
	switch field {
	case "action":
		return ec.Action, true
	case "tenantId":
		return ec.TenantID, true
	case "actor.id":
		return ec.Actor.ID, true
	case "actor.type":
		return ec.Actor.Type, true
	case "actor.role":
		return ec.Actor.Role, true
	case "actor.email":
		return ec.Actor.Email, true
	case "actor.confidence":
		return ec.Actor.Confidence, true
	case "resource.type":
		return ec.Resource.Type, true
	case "resource.id":
		return ec.Resource.ID, true
	case "resource.repo":
		return ec.Resource.Repo, true
	case "resource.branch":
		return ec.Resource.Branch, true
	case "resource.protectedBranch":
		return ec.Resource.ProtectedBranch, true
	case "resource.production":
		return ec.Resource.Production, true
	}
	if v, ok := ec.Env[field]; ok {
		return v, true
	}
	return nil, false
}

// looseEqual compares scalars with numeric coercion, so a JSON 3 equals
// an int 3 from a hand-built context.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b) && a != nil && b != nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
