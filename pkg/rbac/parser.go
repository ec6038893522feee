package rbac

import (
	"fmt"
	"strings"
)

// Rule is a compiled boolean rule expression
type Rule interface {
	evaluate(e *evalContext) bool
}

// evalContext carries the state for a single enforcement pass
type evalContext struct {
	rules  map[string]Rule
	target map[string]string
	creds  Credentials
	depth  int
}

// maxRuleDepth bounds rule: reference chains; CheckRules rejects cycles up
// front, the depth guard is the runtime backstop.
const maxRuleDepth = 32

type trueCheck struct{}

func (trueCheck) evaluate(*evalContext) bool { return true }

type falseCheck struct{}

func (falseCheck) evaluate(*evalContext) bool { return false }

// roleCheck matches when the requester holds the named role
type roleCheck struct {
	name string
}

func (c roleCheck) evaluate(e *evalContext) bool {
	for _, role := range e.creds.Roles {
		if role == c.name {
			return true
		}
	}
	return false
}

// ruleCheck delegates to another named rule
type ruleCheck struct {
	name string
}

func (c ruleCheck) evaluate(e *evalContext) bool {
	if e.depth >= maxRuleDepth {
		return false
	}
	rule, ok := e.rules[c.name]
	if !ok {
		return false
	}
	e.depth++
	defer func() { e.depth-- }()
	return rule.evaluate(e)
}

// genericCheck compares a credential attribute against a literal or a
// %(attr)s interpolation of the target resource
type genericCheck struct {
	key   string
	match string
}

func (c genericCheck) evaluate(e *evalContext) bool {
	want := c.match
	if strings.HasPrefix(want, "%(") && strings.HasSuffix(want, ")s") {
		attr := want[2 : len(want)-2]
		v, ok := e.target[attr]
		if !ok {
			return false
		}
		want = v
	}
	have, ok := e.creds.attribute(c.key)
	if !ok {
		return false
	}
	return have == want
}

type andExpr struct {
	rules []Rule
}

func (x andExpr) evaluate(e *evalContext) bool {
	for _, r := range x.rules {
		if !r.evaluate(e) {
			return false
		}
	}
	return true
}

type orExpr struct {
	rules []Rule
}

func (x orExpr) evaluate(e *evalContext) bool {
	for _, r := range x.rules {
		if r.evaluate(e) {
			return true
		}
	}
	return false
}

type notExpr struct {
	rule Rule
}

func (x notExpr) evaluate(e *evalContext) bool {
	return !x.rule.evaluate(e)
}

// ParseRule compiles a rule expression. The grammar, loosest binding first:
//
//	expr  := and ( "or" and )*
//	and   := unary ( "and" unary )*
//	unary := "not" unary | "(" expr ")" | check
//	check := "@" | "!" | "role:<name>" | "rule:<name>" | "<key>:<match>"
func ParseRule(s string) (Rule, error) {
	tokens := tokenize(s)
	if len(tokens) == 0 {
		// The empty rule matches everything, mirroring an unrestricted policy
		return trueCheck{}, nil
	}
	p := &parser{tokens: tokens}
	rule, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q in rule %q", p.tokens[p.pos], s)
	}
	return rule, nil
}

func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	tok := p.peek()
	if tok != "" {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (Rule, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	rules := []Rule{left}
	for p.peek() == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		rules = append(rules, right)
	}
	if len(rules) == 1 {
		return left, nil
	}
	return orExpr{rules: rules}, nil
}

func (p *parser) parseAnd() (Rule, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	rules := []Rule{left}
	for p.peek() == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		rules = append(rules, right)
	}
	if len(rules) == 1 {
		return left, nil
	}
	return andExpr{rules: rules}, nil
}

func (p *parser) parseUnary() (Rule, error) {
	switch tok := p.next(); tok {
	case "":
		return nil, fmt.Errorf("unexpected end of rule")
	case "not":
		rule, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{rule: rule}, nil
	case "(":
		rule, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return rule, nil
	case ")", "and", "or":
		return nil, fmt.Errorf("unexpected token %q", tok)
	default:
		return parseCheck(tok)
	}
}

func parseCheck(tok string) (Rule, error) {
	switch tok {
	case "@":
		return trueCheck{}, nil
	case "!":
		return falseCheck{}, nil
	}

	kind, match, found := strings.Cut(tok, ":")
	if !found || kind == "" || match == "" {
		return nil, fmt.Errorf("malformed check %q, want <kind>:<match>", tok)
	}
	switch kind {
	case "role":
		return roleCheck{name: match}, nil
	case "rule":
		return ruleCheck{name: match}, nil
	default:
		return genericCheck{key: kind, match: match}, nil
	}
}

// ruleRefs collects the rule: references inside a compiled rule
func ruleRefs(rule Rule) []string {
	switch r := rule.(type) {
	case ruleCheck:
		return []string{r.name}
	case andExpr:
		var refs []string
		for _, sub := range r.rules {
			refs = append(refs, ruleRefs(sub)...)
		}
		return refs
	case orExpr:
		var refs []string
		for _, sub := range r.rules {
			refs = append(refs, ruleRefs(sub)...)
		}
		return refs
	case notExpr:
		return ruleRefs(r.rule)
	}
	return nil
}
