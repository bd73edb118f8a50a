package capability

import (
	"fmt"
	"sync"
)

// DenialKind classifies why a call was not authorized.
type DenialKind string

const (
	DenialNotAuthorized   DenialKind = "not_authorized"
	DenialConstraint      DenialKind = "constraint"
	DenialBudgetExhausted DenialKind = "budget_exhausted"
)

// Denial is the typed refusal returned by Authorize. It is a value, not an
// unchecked error: callers branch on Kind.
type Denial struct {
	Kind      DenialKind `json:"kind"`
	Method    string     `json:"method"`
	Violation *Violation `json:"violation,omitempty"`
}

func (d *Denial) Error() string {
	switch d.Kind {
	case DenialConstraint:
		return fmt.Sprintf("method %q denied: %s", d.Method, d.Violation.Error())
	case DenialBudgetExhausted:
		return fmt.Sprintf("method %q denied: call budget exhausted", d.Method)
	default:
		return fmt.Sprintf("method %q is not authorized by any capability", d.Method)
	}
}

// MethodCapability authorizes a class of tool invocations: a pattern over
// method names, a conjunction of parameter constraints, and an optional call
// budget. MaxCalls == nil means unlimited.
type MethodCapability struct {
	Pattern     string
	Constraints ConstraintSet
	MaxCalls    *uint64

	remaining uint64
}

// NewCapability builds an unlimited capability.
func NewCapability(pattern string, constraints ...Constraint) MethodCapability {
	return MethodCapability{Pattern: pattern, Constraints: constraints}
}

// NewBudgetedCapability builds a capability with a call budget.
func NewBudgetedCapability(pattern string, maxCalls uint64, constraints ...Constraint) MethodCapability {
	return MethodCapability{Pattern: pattern, Constraints: constraints, MaxCalls: &maxCalls}
}

// Key returns the canonical introspection key, "cap:method:<pattern>".
func (c *MethodCapability) Key() string {
	return "cap:method:" + c.Pattern
}

// Remaining returns the remaining call budget. The boolean is false for an
// unlimited capability.
func (c *MethodCapability) Remaining() (uint64, bool) {
	if c.MaxCalls == nil {
		return 0, false
	}
	return c.remaining, true
}

// Set is an ordered collection of capabilities. Authorization scans in
// construction order; the first eligible capability wins (no specificity
// tie-breaking). A Set is safe for concurrent use; budget accounting is
// serialized by an internal mutex so that two racing calls never both
// consume the last remaining charge.
type Set struct {
	mu   sync.Mutex
	caps []*MethodCapability
}

// NewSet constructs a Set. The given capabilities are copied; remaining
// budgets start at MaxCalls.
func NewSet(caps ...MethodCapability) *Set {
	s := &Set{caps: make([]*MethodCapability, 0, len(caps))}
	for _, c := range caps {
		cc := c
		if cc.MaxCalls != nil {
			cc.remaining = *cc.MaxCalls
		}
		s.caps = append(s.caps, &cc)
	}
	return s
}

// ForTools builds one budgeted capability per tool name. Convenience used by
// hosts that want a flat per-tool limit.
func ForTools(names []string, maxCalls uint64) *Set {
	caps := make([]MethodCapability, 0, len(names))
	for _, name := range names {
		caps = append(caps, NewBudgetedCapability(name, maxCalls))
	}
	return NewSet(caps...)
}

// Authorize scans the set in order and returns the first capability whose
// pattern matches method, whose constraints are satisfied by params, and
// whose budget (if any) is not exhausted. Authorize never mutates the set.
//
// Denial precedence follows the scan: if no pattern matches, the denial is
// not_authorized; if every matching capability fails constraints, the denial
// carries the last violation; if at least one matched and satisfied but all
// such were budget-exhausted, the denial is budget_exhausted.
func (s *Set) Authorize(method string, params map[string]interface{}) (*MethodCapability, *Denial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizeLocked(method, params)
}

func (s *Set) authorizeLocked(method string, params map[string]interface{}) (*MethodCapability, *Denial) {
	var lastViolation *Violation
	exhausted := false
	for _, c := range s.caps {
		if !MatchesPattern(c.Pattern, method) {
			continue
		}
		if viol := c.Constraints.Evaluate(jsonValue(params)); viol != nil {
			lastViolation = viol
			continue
		}
		if c.MaxCalls != nil && c.remaining == 0 {
			exhausted = true
			continue
		}
		return c, nil
	}
	switch {
	case exhausted:
		return nil, &Denial{Kind: DenialBudgetExhausted, Method: method}
	case lastViolation != nil:
		return nil, &Denial{Kind: DenialConstraint, Method: method, Violation: lastViolation}
	default:
		return nil, &Denial{Kind: DenialNotAuthorized, Method: method}
	}
}

// AuthorizeAndCharge authorizes and, on success, consumes one unit of the
// winning capability's budget in the same critical section. The bridge uses
// this at dispatch time so that concurrent requests racing for the last
// charge resolve deterministically: exactly one dispatches, the rest are
// denied budget_exhausted.
func (s *Set) AuthorizeAndCharge(method string, params map[string]interface{}) (*MethodCapability, *Denial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, denial := s.authorizeLocked(method, params)
	if denial != nil {
		return nil, denial
	}
	if c.MaxCalls != nil {
		c.remaining--
	}
	return c, nil
}

// Charge consumes one unit of the capability's budget. Must be called exactly
// once per authorized invocation that actually dispatches, never for denials.
func (s *Set) Charge(c *MethodCapability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.MaxCalls != nil && c.remaining > 0 {
		c.remaining--
	}
}

// CanCall reports whether Authorize would succeed. Non-mutating.
func (s *Set) CanCall(method string, params map[string]interface{}) bool {
	_, denial := s.Authorize(method, params)
	return denial == nil
}

// Remaining returns the remaining budget for the capability with the given
// key. The boolean is false when the capability is unlimited or the key is
// unknown; the error distinguishes the two.
func (s *Set) Remaining(key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.caps {
		if c.Key() == key {
			n, bounded := c.Remaining()
			return n, bounded, nil
		}
	}
	return 0, false, fmt.Errorf("no capability with key %q", key)
}

// Capabilities returns a snapshot copy of the set for introspection.
func (s *Set) Capabilities() []MethodCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MethodCapability, len(s.caps))
	for i, c := range s.caps {
		out[i] = *c
	}
	return out
}

// Attenuate derives a narrower Set from s. Every proposed child must be a
// subset of some parent: its pattern a subset of the parent's pattern, its
// constraint set carrying all of the parent's constraints, and its budget no
// larger than the parent's remaining budget (an unlimited child requires an
// unlimited parent). The parent is not modified.
func (s *Set) Attenuate(children []MethodCapability) (*Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range children {
		child := &children[i]
		if !s.coveredLocked(child) {
			return nil, fmt.Errorf("capability %q is not a subset of any parent capability", child.Key())
		}
	}
	return NewSet(children...), nil
}

func (s *Set) coveredLocked(child *MethodCapability) bool {
	for _, parent := range s.caps {
		if !PatternIsSubset(child.Pattern, parent.Pattern) {
			continue
		}
		if !child.Constraints.ContainsAll(parent.Constraints) {
			continue
		}
		if parent.MaxCalls != nil {
			if child.MaxCalls == nil || *child.MaxCalls > parent.remaining {
				continue
			}
		}
		return true
	}
	return false
}

// jsonValue widens a parameter map to the interface type the evaluator walks.
func jsonValue(params map[string]interface{}) interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	return params
}
