package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CompiledPolicy is a document prepared for evaluation: rules sorted by
// descending priority (stable, so document order breaks ties) with regex
// and glob patterns precompiled. Compiled policies are immutable; the
// cache owns them and hands out read-only references.
type CompiledPolicy struct {
	Doc   *Document
	Rules []CompiledRule

	patterns map[string]*regexp.Regexp
}

// CompiledRule pairs a rule with its position in the sorted order.
type CompiledRule struct {
	Rule  *Rule
	Index int
}

// Compile validates nothing; it assumes the document already passed
// ValidateDocument. It precompiles every glob and regex pattern the
// document references so evaluation never compiles on the hot path.
func Compile(doc *Document) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{
		Doc:      doc,
		patterns: make(map[string]*regexp.Regexp),
	}

	rules := make([]CompiledRule, 0, len(doc.Rules))
	for i := range doc.Rules {
		rules = append(rules, CompiledRule{Rule: &doc.Rules[i], Index: i})
	}
	sort.SliceStable(rules, func(a, b int) bool {
		return rules[a].Rule.Priority > rules[b].Rule.Priority
	})
	cp.Rules = rules

	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if err := cp.compileConditions(rule.Conditions); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.ID, err)
		}
		if rule.ConditionLogic != nil {
			if err := cp.compileGroup(rule.ConditionLogic); err != nil {
				return nil, fmt.Errorf("policy: rule %q: %w", rule.ID, err)
			}
		}
	}
	return cp, nil
}

func (cp *CompiledPolicy) compileGroup(g *ConditionGroup) error {
	if err := cp.compileConditions(g.Conditions); err != nil {
		return err
	}
	if g.Group != nil {
		return cp.compileGroup(g.Group)
	}
	return nil
}

func (cp *CompiledPolicy) compileConditions(conds []Condition) error {
	for _, c := range conds {
		var globs []string
		switch {
		case c.FilePath != nil:
			globs = append(globs, c.FilePath.Include...)
			globs = append(globs, c.FilePath.Exclude...)
		case c.Repository != nil:
			globs = c.Repository.Names
		case c.Branch != nil:
			globs = c.Branch.Names
		case c.Custom != nil:
			switch c.Custom.Operator {
			case OpMatches:
				expr, ok := c.Custom.Value.(string)
				if !ok {
					return fmt.Errorf("matches operator requires a string pattern")
				}
				re, err := regexp.Compile(expr)
				if err != nil {
					return fmt.Errorf("invalid regex %q: %w", expr, err)
				}
				cp.patterns["re:"+expr] = re
			case OpGlob:
				expr, ok := c.Custom.Value.(string)
				if !ok {
					return fmt.Errorf("glob operator requires a string pattern")
				}
				globs = []string{expr}
			}
		}
		for _, g := range globs {
			re, err := compileGlob(g)
			if err != nil {
				return fmt.Errorf("invalid glob %q: %w", g, err)
			}
			cp.patterns["glob:"+g] = re
		}
	}
	return nil
}

func (cp *CompiledPolicy) regex(expr string) *regexp.Regexp {
	return cp.patterns["re:"+expr]
}

// matchGlob matches s against a glob pattern, using the precompiled form
// when available and compiling on the fly otherwise (hand-built contexts).
func (cp *CompiledPolicy) matchGlob(pattern, s string) bool {
	re := cp.patterns["glob:"+pattern]
	if re == nil {
		var err error
		re, err = compileGlob(pattern)
		if err != nil {
			return false
		}
	}
	return re.MatchString(s)
}

// compileGlob translates a glob into an anchored regexp.
// `**` crosses path separators, `*` does not, `?` matches one rune.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				// swallow a following separator so "a/**/b" matches "a/b"
				if i+1 < len(runes) && runes[i+1] == '/' {
					b.WriteString("/?")
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
