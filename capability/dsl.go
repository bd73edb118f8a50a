package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseConstraint parses the compact constraint notation used by policy
// files and ingestion adapters into a Constraint for the given parameter
// path. Accepted forms:
//
//	"<=1000" ">=0" "<10" ">5"     numeric bounds
//	"==active" "!=deprecated"     equality (value parsed as number/bool/string)
//	"startswith:/api/"            string prefix
//	"endswith:.json"              string suffix
//	"contains:SELECT"             substring
//	"in:usd,eur"                  membership
//	"not_in:DELETE,DROP"          negated membership
//	"exists" "not_exists"         presence
//
// A spec value that is a list (e.g. from YAML) should be passed to
// ParseAllowedValues instead.
func ParseConstraint(path, spec string) (Constraint, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "exists":
		return Exists(path), nil
	case spec == "not_exists":
		return NotExists(path), nil
	case strings.HasPrefix(spec, "startswith:"):
		return StartsWith(path, strings.TrimPrefix(spec, "startswith:")), nil
	case strings.HasPrefix(spec, "endswith:"):
		return EndsWith(path, strings.TrimPrefix(spec, "endswith:")), nil
	case strings.HasPrefix(spec, "contains:"):
		return Contains(path, strings.TrimPrefix(spec, "contains:")), nil
	case strings.HasPrefix(spec, "not_in:"):
		return NotIn(path, splitValues(strings.TrimPrefix(spec, "not_in:"))...), nil
	case strings.HasPrefix(spec, "in:"):
		return In(path, splitValues(strings.TrimPrefix(spec, "in:"))...), nil
	case strings.HasPrefix(spec, "<="):
		return cmpFromSpec(path, OpLe, spec[2:])
	case strings.HasPrefix(spec, ">="):
		return cmpFromSpec(path, OpGe, spec[2:])
	case strings.HasPrefix(spec, "=="):
		return Eq(path, parseScalar(spec[2:])), nil
	case strings.HasPrefix(spec, "!="):
		return Ne(path, parseScalar(spec[2:])), nil
	case strings.HasPrefix(spec, "<"):
		return cmpFromSpec(path, OpLt, spec[1:])
	case strings.HasPrefix(spec, ">"):
		return cmpFromSpec(path, OpGt, spec[1:])
	default:
		return Constraint{}, fmt.Errorf("unrecognized constraint spec %q for %q", spec, path)
	}
}

// ParseAllowedValues builds an In constraint from a list of raw values, the
// way a YAML policy expresses "currency: [usd, eur]".
func ParseAllowedValues(path string, values []interface{}) Constraint {
	return In(path, values...)
}

func cmpFromSpec(path string, op Op, raw string) (Constraint, error) {
	v := parseScalar(raw)
	if _, ok := toNumber(v); !ok {
		if _, ok := v.(string); !ok {
			return Constraint{}, fmt.Errorf("constraint %s%v for %q needs a number or string operand", op, raw, path)
		}
	}
	return Constraint{kind: kindCmp, op: op, path: path, value: v}, nil
}

func splitValues(raw string) []interface{} {
	parts := strings.Split(raw, ",")
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		out = append(out, parseScalar(strings.TrimSpace(p)))
	}
	return out
}

// parseScalar interprets a DSL operand: number, boolean, or bare string.
func parseScalar(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return strings.Trim(raw, `"'`)
}
