package capability

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ViolationKind classifies a constraint failure.
type ViolationKind string

const (
	ViolationComparison  ViolationKind = "comparison"
	ViolationMembership  ViolationKind = "membership"
	ViolationStringMatch ViolationKind = "string_match"
	ViolationExistence   ViolationKind = "existence"
	ViolationComposite   ViolationKind = "composite"
)

// Violation describes the first constraint that failed during evaluation.
type Violation struct {
	Path   string        `json:"path"`
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("constraint violation at %q: %s/%s", v.Path, v.Kind, v.Detail)
}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

type constraintKind int

const (
	kindCmp constraintKind = iota
	kindIn
	kindNotIn
	kindStartsWith
	kindEndsWith
	kindContains
	kindExists
	kindNotExists
	kindAnd
	kindOr
)

// Constraint is a predicate over a JSON parameter value. Constraints form a
// finite tree: leaves test a single path, And/Or combine children. The zero
// value is not a valid constraint; use the constructors.
type Constraint struct {
	kind     constraintKind
	op       Op
	path     string
	value    interface{}
	set      []interface{}
	str      string
	children []Constraint
}

// Eq requires the value at path to equal v.
func Eq(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpEq, path: path, value: v}
}

// Ne requires the value at path to differ from v.
func Ne(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpNe, path: path, value: v}
}

// Lt requires the value at path to be less than v.
func Lt(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpLt, path: path, value: v}
}

// Le requires the value at path to be at most v.
func Le(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpLe, path: path, value: v}
}

// Gt requires the value at path to be greater than v.
func Gt(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpGt, path: path, value: v}
}

// Ge requires the value at path to be at least v.
func Ge(path string, v interface{}) Constraint {
	return Constraint{kind: kindCmp, op: OpGe, path: path, value: v}
}

// In requires the value at path to be a member of set (structural equality).
func In(path string, set ...interface{}) Constraint {
	return Constraint{kind: kindIn, path: path, set: set}
}

// NotIn requires the value at path to not be a member of set.
func NotIn(path string, set ...interface{}) Constraint {
	return Constraint{kind: kindNotIn, path: path, set: set}
}

// StartsWith requires the string at path to start with prefix.
func StartsWith(path, prefix string) Constraint {
	return Constraint{kind: kindStartsWith, path: path, str: prefix}
}

// EndsWith requires the string at path to end with suffix.
func EndsWith(path, suffix string) Constraint {
	return Constraint{kind: kindEndsWith, path: path, str: suffix}
}

// Contains requires the string at path to contain substr.
func Contains(path, substr string) Constraint {
	return Constraint{kind: kindContains, path: path, str: substr}
}

// Exists requires the path to resolve to a non-null value.
func Exists(path string) Constraint { return Constraint{kind: kindExists, path: path} }

// NotExists requires the path to be absent or null.
func NotExists(path string) Constraint { return Constraint{kind: kindNotExists, path: path} }

// And succeeds when all children succeed. And() with no children succeeds.
func And(children ...Constraint) Constraint { return Constraint{kind: kindAnd, children: children} }

// Or succeeds when any child succeeds. Or() with no children fails.
func Or(children ...Constraint) Constraint { return Constraint{kind: kindOr, children: children} }

// Evaluate checks the constraint against params. A nil return means the
// constraint is satisfied; otherwise the first violation is returned.
// Evaluation is pure and total.
func (c Constraint) Evaluate(params interface{}) *Violation {
	switch c.kind {
	case kindCmp:
		return c.evalCmp(params)
	case kindIn, kindNotIn:
		return c.evalMembership(params)
	case kindStartsWith, kindEndsWith, kindContains:
		return c.evalString(params)
	case kindExists:
		v, ok := resolvePath(params, c.path)
		if !ok || v == nil {
			return &Violation{Path: c.path, Kind: ViolationExistence, Detail: "required path is absent"}
		}
		return nil
	case kindNotExists:
		v, ok := resolvePath(params, c.path)
		if ok && v != nil {
			return &Violation{Path: c.path, Kind: ViolationExistence, Detail: "forbidden path is present"}
		}
		return nil
	case kindAnd:
		for _, child := range c.children {
			if viol := child.Evaluate(params); viol != nil {
				return viol
			}
		}
		return nil
	case kindOr:
		for _, child := range c.children {
			if child.Evaluate(params) == nil {
				return nil
			}
		}
		return &Violation{Kind: ViolationComposite, Detail: "no alternative satisfied"}
	default:
		return &Violation{Kind: ViolationComposite, Detail: "invalid constraint"}
	}
}

func (c Constraint) evalCmp(params interface{}) *Violation {
	v, ok := resolvePath(params, c.path)
	if !ok {
		return &Violation{Path: c.path, Kind: ViolationComparison, Detail: "path_absent"}
	}
	cmp, comparable := compareValues(v, c.value)
	if !comparable {
		return &Violation{Path: c.path, Kind: ViolationComparison, Detail: "type_mismatch"}
	}
	satisfied := false
	switch c.op {
	case OpEq:
		satisfied = cmp == 0
	case OpNe:
		satisfied = cmp != 0
	case OpLt:
		satisfied = cmp < 0
	case OpLe:
		satisfied = cmp <= 0
	case OpGt:
		satisfied = cmp > 0
	case OpGe:
		satisfied = cmp >= 0
	}
	if !satisfied {
		return &Violation{
			Path:   c.path,
			Kind:   ViolationComparison,
			Detail: fmt.Sprintf("%v %s %v is false", v, c.op, c.value),
		}
	}
	return nil
}

func (c Constraint) evalMembership(params interface{}) *Violation {
	v, ok := resolvePath(params, c.path)
	if !ok {
		return &Violation{Path: c.path, Kind: ViolationMembership, Detail: "path_absent"}
	}
	member := false
	for _, candidate := range c.set {
		if structuralEqual(v, candidate) {
			member = true
			break
		}
	}
	if c.kind == kindIn && !member {
		return &Violation{Path: c.path, Kind: ViolationMembership, Detail: fmt.Sprintf("%v is not in the allowed set", v)}
	}
	if c.kind == kindNotIn && member {
		return &Violation{Path: c.path, Kind: ViolationMembership, Detail: fmt.Sprintf("%v is in the denied set", v)}
	}
	return nil
}

func (c Constraint) evalString(params interface{}) *Violation {
	v, ok := resolvePath(params, c.path)
	if !ok {
		return &Violation{Path: c.path, Kind: ViolationStringMatch, Detail: "path_absent"}
	}
	s, isStr := v.(string)
	if !isStr {
		return &Violation{Path: c.path, Kind: ViolationStringMatch, Detail: "value is not a string"}
	}
	var satisfied bool
	var what string
	switch c.kind {
	case kindStartsWith:
		satisfied = strings.HasPrefix(s, c.str)
		what = "start with"
	case kindEndsWith:
		satisfied = strings.HasSuffix(s, c.str)
		what = "end with"
	case kindContains:
		satisfied = strings.Contains(s, c.str)
		what = "contain"
	}
	if !satisfied {
		return &Violation{Path: c.path, Kind: ViolationStringMatch, Detail: fmt.Sprintf("%q does not %s %q", s, what, c.str)}
	}
	return nil
}

// Equal reports structural equality of two constraints. Used by attenuation
// to check that a child carries every constraint of its parent.
func (c Constraint) Equal(other Constraint) bool {
	if c.kind != other.kind || c.op != other.op || c.path != other.path || c.str != other.str {
		return false
	}
	if !structuralEqual(c.value, other.value) {
		return false
	}
	if len(c.set) != len(other.set) || len(c.children) != len(other.children) {
		return false
	}
	for i := range c.set {
		if !structuralEqual(c.set[i], other.set[i]) {
			return false
		}
	}
	for i := range c.children {
		if !c.children[i].Equal(other.children[i]) {
			return false
		}
	}
	return true
}

// String renders the constraint for denial messages and logs.
func (c Constraint) String() string {
	switch c.kind {
	case kindCmp:
		return fmt.Sprintf("%s %s %v", c.path, c.op, c.value)
	case kindIn:
		return fmt.Sprintf("%s in %v", c.path, c.set)
	case kindNotIn:
		return fmt.Sprintf("%s not in %v", c.path, c.set)
	case kindStartsWith:
		return fmt.Sprintf("%s starts_with %q", c.path, c.str)
	case kindEndsWith:
		return fmt.Sprintf("%s ends_with %q", c.path, c.str)
	case kindContains:
		return fmt.Sprintf("%s contains %q", c.path, c.str)
	case kindExists:
		return fmt.Sprintf("%s exists", c.path)
	case kindNotExists:
		return fmt.Sprintf("%s not_exists", c.path)
	case kindAnd:
		parts := make([]string, len(c.children))
		for i, child := range c.children {
			parts[i] = child.String()
		}
		return "and(" + strings.Join(parts, ", ") + ")"
	case kindOr:
		parts := make([]string, len(c.children))
		for i, child := range c.children {
			parts[i] = child.String()
		}
		return "or(" + strings.Join(parts, ", ") + ")"
	}
	return "invalid"
}

// ConstraintSet is an ordered conjunction of constraints. The empty set is
// always satisfied.
type ConstraintSet []Constraint

// Evaluate returns nil when every constraint holds, or the first violation.
func (cs ConstraintSet) Evaluate(params interface{}) *Violation {
	for _, c := range cs {
		if viol := c.Evaluate(params); viol != nil {
			return viol
		}
	}
	return nil
}

// ContainsAll reports whether cs carries every constraint of parent
// (structural equality). A child satisfying ContainsAll accepts at most the
// parameter values its parent accepts.
func (cs ConstraintSet) ContainsAll(parent ConstraintSet) bool {
	for _, pc := range parent {
		found := false
		for _, cc := range cs {
			if cc.Equal(pc) {
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

// resolvePath walks a '/'-separated path into a JSON value. Object segments
// index by key, array segments by non-negative integer. The boolean result
// is false when any segment is absent.
func resolvePath(v interface{}, path string) (interface{}, bool) {
	if path == "" {
		return v, true
	}
	current := v
	for _, seg := range strings.Split(path, "/") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// toNumber normalizes the numeric types that JSON decoding and goja exports
// produce into a float64.
func toNumber(v interface{}) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// compareValues orders two JSON scalars: numbers numerically, strings
// lexicographically, booleans with false < true. Mixed or non-scalar types
// are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// structuralEqual compares two JSON values structurally. Numbers compare
// numerically regardless of Go type.
func structuralEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := toNumber(a); ok {
		bn, bok := toNumber(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !structuralEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !structuralEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
