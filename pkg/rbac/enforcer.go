package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// DefinitionError reports policies whose rules failed to compile or verify.
// Surfaced as a 400 to the caller that attempted the mutation.
type DefinitionError struct {
	Policies []string
	Reason   string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("policies [%s] are not well defined: %s",
		strings.Join(e.Policies, ", "), e.Reason)
}

// Enforcer evaluates named policies against requester credentials and an
// optional target resource. An Enforcer is immutable once built; reloads
// construct a fresh instance and swap it in atomically.
type Enforcer struct {
	rules map[string]Rule
}

// NewEnforcer compiles the given policies into an enforcer. Parse failures
// return a DefinitionError naming the offending policies.
func NewEnforcer(policies []Policy) (*Enforcer, error) {
	rules := make(map[string]Rule, len(policies))
	var bad []string
	var reason string
	for _, policy := range policies {
		rule, err := ParseRule(policy.Rule)
		if err != nil {
			bad = append(bad, policy.Name)
			reason = err.Error()
			continue
		}
		rules[policy.Name] = rule
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, &DefinitionError{Policies: bad, Reason: reason}
	}

	e := &Enforcer{rules: rules}
	if err := e.CheckRules(); err != nil {
		return nil, err
	}
	return e, nil
}

// CheckRules verifies that every rule: reference resolves and that no
// reference chain forms a cycle.
func (e *Enforcer) CheckRules() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(e.rules))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return &DefinitionError{Policies: []string{name}, Reason: "cyclic rule reference"}
		case done:
			return nil
		}
		state[name] = visiting
		for _, ref := range ruleRefs(e.rules[name]) {
			if _, ok := e.rules[ref]; !ok {
				return &DefinitionError{
					Policies: []string{name},
					Reason:   fmt.Sprintf("references unknown rule %q", ref),
				}
			}
			if err := visit(ref); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Enforce evaluates the named policy. An unknown policy name denies: the
// enforcer fails closed.
func (e *Enforcer) Enforce(name string, target map[string]string, creds Credentials) bool {
	rule, ok := e.rules[name]
	if !ok {
		return false
	}
	ctx := &evalContext{
		rules:  e.rules,
		target: target,
		creds:  creds,
	}
	return rule.evaluate(ctx)
}

// Known reports whether the enforcer has a policy with the given name
func (e *Enforcer) Known(name string) bool {
	_, ok := e.rules[name]
	return ok
}

// Len returns the number of loaded policies
func (e *Enforcer) Len() int {
	return len(e.rules)
}
