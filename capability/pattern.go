// Package capability implements the authorization layer of the sandbox:
// glob patterns over method names, parameter constraints, and budgeted
// capability sets. Everything here is pure and host-side; guest code never
// sees these types, only the denials they produce.
package capability

import "strings"

// splitMethod tokenizes a method name or pattern on '/' and ':'. Both
// separators are equivalent: "mcp:claims/create" and "mcp/claims/create"
// produce the same tokens.
func splitMethod(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == ':'
	})
}

// MatchesPattern reports whether method matches pattern. '*' matches exactly
// one token, '**' matches zero or more tokens, and literal tokens match
// byte-for-byte.
func MatchesPattern(pattern, method string) bool {
	return matchTokens(splitMethod(pattern), splitMethod(method))
}

func matchTokens(pattern, method []string) bool {
	if len(pattern) == 0 {
		return len(method) == 0
	}
	switch pattern[0] {
	case "**":
		// Zero tokens, or consume one method token and retry. Greedy with
		// backtracking via the recursion.
		if matchTokens(pattern[1:], method) {
			return true
		}
		return len(method) > 0 && matchTokens(pattern, method[1:])
	case "*":
		return len(method) > 0 && matchTokens(pattern[1:], method[1:])
	default:
		return len(method) > 0 && pattern[0] == method[0] && matchTokens(pattern[1:], method[1:])
	}
}

// PatternIsSubset reports whether every method matched by a is also matched
// by b. Used to validate attenuation: a child capability's pattern must be a
// subset of some parent pattern.
func PatternIsSubset(a, b string) bool {
	return subsetTokens(splitMethod(a), splitMethod(b))
}

func subsetTokens(a, b []string) bool {
	if len(b) > 0 && b[0] == "**" {
		// b may consume zero tokens of a's language here, or cover a's head.
		if subsetTokens(a, b[1:]) {
			return true
		}
		return len(a) > 0 && subsetTokens(a[1:], b)
	}
	if len(a) == 0 {
		return len(b) == 0
	}
	if a[0] == "**" {
		// a matches unboundedly many tokens; without a leading '**' in b
		// (handled above), b cannot cover that.
		return false
	}
	if len(b) == 0 {
		return false
	}
	if b[0] == "*" {
		return subsetTokens(a[1:], b[1:])
	}
	// b[0] is a literal: a's head must be the same literal. A '*' in a
	// matches tokens other than b[0], so it is not covered.
	return a[0] == b[0] && subsetTokens(a[1:], b[1:])
}
