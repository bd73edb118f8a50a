package shell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// appletJq runs a jq filter over a stream of JSON values. The supported
// language subset covers field access, array indexing/slicing/iteration,
// pipes, select, map, group_by, sort_by, length, keys, add, arithmetic,
// comparison, and array/object construction. jq is a byte-stream applet:
// it parses stdin as JSON, not as lines.
func appletJq(p *proc) int {
	raw := false
	args := p.args
	var rest []string
	for _, a := range args {
		if a == "-r" {
			raw = true
		} else {
			rest = append(rest, a)
		}
	}
	if len(rest) == 0 {
		fmt.Fprintf(p.stderr, "jq: missing filter\n")
		return 2
	}
	filter, err := parseJqFilter(rest[0])
	if err != nil {
		fmt.Fprintf(p.stderr, "jq: %v\n", err)
		return 3
	}
	data, ok := gatherInput(p, rest[1:])
	if !ok {
		return 2
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var input interface{}
		if err := dec.Decode(&input); err != nil {
			if err == io.EOF {
				break
			}
			fmt.Fprintf(p.stderr, "jq: invalid input: %v\n", err)
			return 4
		}
		outputs, err := filter.eval(input)
		if err != nil {
			fmt.Fprintf(p.stderr, "jq: %v\n", err)
			return 5
		}
		for _, out := range outputs {
			if raw {
				if s, isStr := out.(string); isStr {
					p.stdout.WriteString(s)
					p.stdout.WriteByte('\n')
					continue
				}
			}
			enc, err := json.Marshal(out)
			if err != nil {
				fmt.Fprintf(p.stderr, "jq: %v\n", err)
				return 5
			}
			p.stdout.Write(enc)
			p.stdout.WriteByte('\n')
		}
	}
	return 0
}

// jqExpr maps one input value to a stream of output values.
type jqExpr interface {
	eval(in interface{}) ([]interface{}, error)
}

// --- AST ---

type jqIdentity struct{}

func (jqIdentity) eval(in interface{}) ([]interface{}, error) { return []interface{}{in}, nil }

type jqLiteral struct{ value interface{} }

func (l jqLiteral) eval(interface{}) ([]interface{}, error) { return []interface{}{l.value}, nil }

type jqPipe struct{ left, right jqExpr }

func (p jqPipe) eval(in interface{}) ([]interface{}, error) {
	lefts, err := p.left.eval(in)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, v := range lefts {
		rights, err := p.right.eval(v)
		if err != nil {
			return nil, err
		}
		out = append(out, rights...)
	}
	return out, nil
}

type jqField struct {
	expr jqExpr
	name string
}

func (f jqField) eval(in interface{}) ([]interface{}, error) {
	vals, err := f.expr.eval(in)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		switch obj := v.(type) {
		case nil:
			out = append(out, nil)
		case map[string]interface{}:
			out = append(out, obj[f.name])
		default:
			return nil, fmt.Errorf("cannot index %s with %q", jqTypeName(v), f.name)
		}
	}
	return out, nil
}

type jqIndex struct {
	expr  jqExpr
	index jqExpr
}

func (ix jqIndex) eval(in interface{}) ([]interface{}, error) {
	vals, err := ix.expr.eval(in)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, v := range vals {
		idxVals, err := ix.index.eval(in)
		if err != nil {
			return nil, err
		}
		for _, idxVal := range idxVals {
			switch target := v.(type) {
			case nil:
				out = append(out, nil)
			case []interface{}:
				n, ok := idxVal.(float64)
				if !ok {
					return nil, fmt.Errorf("cannot index array with %s", jqTypeName(idxVal))
				}
				i := int(n)
				if i < 0 {
					i += len(target)
				}
				if i < 0 || i >= len(target) {
					out = append(out, nil)
				} else {
					out = append(out, target[i])
				}
			case map[string]interface{}:
				key, ok := idxVal.(string)
				if !ok {
					return nil, fmt.Errorf("cannot index object with %s", jqTypeName(idxVal))
				}
				out = append(out, target[key])
			default:
				return nil, fmt.Errorf("cannot index %s", jqTypeName(v))
			}
		}
	}
	return out, nil
}

type jqSlice struct {
	expr     jqExpr
	from, to jqExpr // nil for open ends
}

func (s jqSlice) eval(in interface{}) ([]interface{}, error) {
	vals, err := s.expr.eval(in)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, v := range vals {
		lo, hi := 0, -1
		if s.from != nil {
			n, err := jqSingleNumber(s.from, in, "slice start")
			if err != nil {
				return nil, err
			}
			lo = int(n)
		}
		switch target := v.(type) {
		case nil:
			out = append(out, nil)
			continue
		case []interface{}:
			hi = len(target)
			if s.to != nil {
				n, err := jqSingleNumber(s.to, in, "slice end")
				if err != nil {
					return nil, err
				}
				hi = int(n)
			}
			lo, hi = clampSlice(lo, hi, len(target))
			out = append(out, append([]interface{}(nil), target[lo:hi]...))
		case string:
			// jq slices strings by codepoint, not by byte.
			runes := []rune(target)
			hi = len(runes)
			if s.to != nil {
				n, err := jqSingleNumber(s.to, in, "slice end")
				if err != nil {
					return nil, err
				}
				hi = int(n)
			}
			lo, hi = clampSlice(lo, hi, len(runes))
			out = append(out, string(runes[lo:hi]))
		default:
			return nil, fmt.Errorf("cannot slice %s", jqTypeName(v))
		}
	}
	return out, nil
}

func clampSlice(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo += n
	}
	if hi < 0 {
		hi += n
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo > n {
		lo = n
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func jqSingleNumber(e jqExpr, in interface{}, what string) (float64, error) {
	vals, err := e.eval(in)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s must produce one value", what)
	}
	n, ok := vals[0].(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", what)
	}
	return n, nil
}

type jqIterate struct{ expr jqExpr }

func (it jqIterate) eval(in interface{}) ([]interface{}, error) {
	vals, err := it.expr.eval(in)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, v := range vals {
		switch target := v.(type) {
		case []interface{}:
			out = append(out, target...)
		case map[string]interface{}:
			for _, k := range sortedKeys(target) {
				out = append(out, target[k])
			}
		default:
			return nil, fmt.Errorf("cannot iterate over %s", jqTypeName(v))
		}
	}
	return out, nil
}

type jqOptional struct{ expr jqExpr }

func (o jqOptional) eval(in interface{}) ([]interface{}, error) {
	out, err := o.expr.eval(in)
	if err != nil {
		return nil, nil
	}
	return out, nil
}

type jqBinary struct {
	op          string
	left, right jqExpr
}

func (b jqBinary) eval(in interface{}) ([]interface{}, error) {
	lefts, err := b.left.eval(in)
	if err != nil {
		return nil, err
	}
	rights, err := b.right.eval(in)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, l := range lefts {
		for _, r := range rights {
			v, err := applyJqOp(b.op, l, r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func applyJqOp(op string, l, r interface{}) (interface{}, error) {
	switch op {
	case "==":
		return jqCompare(l, r) == 0, nil
	case "!=":
		return jqCompare(l, r) != 0, nil
	case "<":
		return jqCompare(l, r) < 0, nil
	case "<=":
		return jqCompare(l, r) <= 0, nil
	case ">":
		return jqCompare(l, r) > 0, nil
	case ">=":
		return jqCompare(l, r) >= 0, nil
	case "and":
		return jqTruthy(l) && jqTruthy(r), nil
	case "or":
		return jqTruthy(l) || jqTruthy(r), nil
	}

	if op == "+" {
		if l == nil {
			return r, nil
		}
		if r == nil {
			return l, nil
		}
		switch lv := l.(type) {
		case float64:
			rv, ok := r.(float64)
			if !ok {
				return nil, typeError2(l, r, op)
			}
			return lv + rv, nil
		case string:
			rv, ok := r.(string)
			if !ok {
				return nil, typeError2(l, r, op)
			}
			return lv + rv, nil
		case []interface{}:
			rv, ok := r.([]interface{})
			if !ok {
				return nil, typeError2(l, r, op)
			}
			merged := append(append([]interface{}(nil), lv...), rv...)
			return merged, nil
		case map[string]interface{}:
			rv, ok := r.(map[string]interface{})
			if !ok {
				return nil, typeError2(l, r, op)
			}
			merged := map[string]interface{}{}
			for k, v := range lv {
				merged[k] = v
			}
			for k, v := range rv {
				merged[k] = v
			}
			return merged, nil
		}
		return nil, typeError2(l, r, op)
	}

	ln, lok := l.(float64)
	rn, rok := r.(float64)
	if !lok || !rok {
		return nil, typeError2(l, r, op)
	}
	switch op {
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return ln / rn, nil
	case "%":
		if int(rn) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int(ln) % int(rn)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func typeError2(l, r interface{}, op string) error {
	return fmt.Errorf("%s and %s cannot be %sed", jqTypeName(l), jqTypeName(r), op)
}

type jqNeg struct{ expr jqExpr }

func (n jqNeg) eval(in interface{}) ([]interface{}, error) {
	vals, err := n.expr.eval(in)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s cannot be negated", jqTypeName(v))
		}
		out = append(out, -f)
	}
	return out, nil
}

type jqFunc struct {
	name string
	args []jqExpr
}

func (f jqFunc) eval(in interface{}) ([]interface{}, error) {
	switch f.name {
	case "length":
		switch v := in.(type) {
		case nil:
			return []interface{}{float64(0)}, nil
		case string:
			return []interface{}{float64(utf8.RuneCountInString(v))}, nil
		case []interface{}:
			return []interface{}{float64(len(v))}, nil
		case map[string]interface{}:
			return []interface{}{float64(len(v))}, nil
		default:
			return nil, fmt.Errorf("%s has no length", jqTypeName(in))
		}
	case "keys":
		obj, ok := in.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s has no keys", jqTypeName(in))
		}
		keys := sortedKeys(obj)
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return []interface{}{out}, nil
	case "add":
		arr, ok := in.([]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot add %s", jqTypeName(in))
		}
		var acc interface{}
		for _, v := range arr {
			next, err := applyJqOp("+", acc, v)
			if err != nil {
				return nil, err
			}
			acc = next
		}
		return []interface{}{acc}, nil
	case "not":
		return []interface{}{!jqTruthy(in)}, nil
	case "select":
		if len(f.args) != 1 {
			return nil, fmt.Errorf("select needs one argument")
		}
		conds, err := f.args[0].eval(in)
		if err != nil {
			return nil, err
		}
		var out []interface{}
		for _, c := range conds {
			if jqTruthy(c) {
				out = append(out, in)
			}
		}
		return out, nil
	case "map":
		if len(f.args) != 1 {
			return nil, fmt.Errorf("map needs one argument")
		}
		arr, ok := in.([]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot map over %s", jqTypeName(in))
		}
		var out []interface{}
		for _, v := range arr {
			mapped, err := f.args[0].eval(v)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped...)
		}
		return []interface{}{out}, nil
	case "sort_by", "group_by":
		if len(f.args) != 1 {
			return nil, fmt.Errorf("%s needs one argument", f.name)
		}
		arr, ok := in.([]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot %s over %s", f.name, jqTypeName(in))
		}
		type keyed struct {
			key interface{}
			val interface{}
		}
		items := make([]keyed, len(arr))
		for i, v := range arr {
			keys, err := f.args[0].eval(v)
			if err != nil {
				return nil, err
			}
			var k interface{}
			if len(keys) > 0 {
				k = keys[0]
			}
			items[i] = keyed{key: k, val: v}
		}
		sort.SliceStable(items, func(i, j int) bool {
			return jqCompare(items[i].key, items[j].key) < 0
		})
		if f.name == "sort_by" {
			out := make([]interface{}, len(items))
			for i, it := range items {
				out[i] = it.val
			}
			return []interface{}{out}, nil
		}
		var groups []interface{}
		i := 0
		for i < len(items) {
			j := i
			var group []interface{}
			for j < len(items) && jqCompare(items[j].key, items[i].key) == 0 {
				group = append(group, items[j].val)
				j++
			}
			groups = append(groups, group)
			i = j
		}
		return []interface{}{groups}, nil
	case "sort":
		arr, ok := in.([]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot sort %s", jqTypeName(in))
		}
		out := append([]interface{}(nil), arr...)
		sort.SliceStable(out, func(i, j int) bool { return jqCompare(out[i], out[j]) < 0 })
		return []interface{}{out}, nil
	default:
		return nil, fmt.Errorf("unknown function %q", f.name)
	}
}

// jqArrayConstruct collects the output stream of each element expression
// into one array, so `[1,2]` and `[.users[].n]` both work.
type jqArrayConstruct struct{ elems []jqExpr }

func (a jqArrayConstruct) eval(in interface{}) ([]interface{}, error) {
	out := []interface{}{}
	for _, e := range a.elems {
		vals, err := e.eval(in)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return []interface{}{out}, nil
}

type jqObjectConstruct struct {
	keys   []string
	values []jqExpr
}

func (o jqObjectConstruct) eval(in interface{}) ([]interface{}, error) {
	obj := map[string]interface{}{}
	for i, key := range o.keys {
		vals, err := o.values[i].eval(in)
		if err != nil {
			return nil, err
		}
		if len(vals) != 1 {
			return nil, fmt.Errorf("object value for %q must produce one value", key)
		}
		obj[key] = vals[0]
	}
	return []interface{}{obj}, nil
}

// --- helpers ---

func jqTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func jqTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "value"
	}
}

func jqTypeOrder(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		if v.(bool) {
			return 2
		}
		return 1
	case float64:
		return 3
	case string:
		return 4
	case []interface{}:
		return 5
	case map[string]interface{}:
		return 6
	default:
		return 7
	}
}

// jqCompare implements jq's total order: null < false < true < numbers <
// strings < arrays < objects.
func jqCompare(a, b interface{}) int {
	oa, ob := jqTypeOrder(a), jqTypeOrder(b)
	if oa != ob {
		if oa < ob {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil, bool:
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	case []interface{}:
		bv := b.([]interface{})
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := jqCompare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return len(av) - len(bv)
	case map[string]interface{}:
		bv := b.(map[string]interface{})
		ak, bk := sortedKeys(av), sortedKeys(bv)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
		}
		if d := len(ak) - len(bk); d != 0 {
			return d
		}
		for _, k := range ak {
			if c := jqCompare(av[k], bv[k]); c != 0 {
				return c
			}
		}
		return 0
	}
	return 0
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- parser ---

type jqParser struct {
	tokens []jqToken
	pos    int
}

type jqToken struct {
	kind string // "punct", "num", "str", "ident"
	text string
	num  float64
}

func parseJqFilter(src string) (jqExpr, error) {
	tokens, err := jqLex(src)
	if err != nil {
		return nil, err
	}
	p := &jqParser{tokens: tokens}
	expr, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected %q", p.tokens[p.pos].text)
	}
	return expr, nil
}

func jqLex(src string) ([]jqToken, error) {
	var tokens []jqToken
	runes := []rune(src)
	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case strings.ContainsRune(".[](){}:,?|", c):
			tokens = append(tokens, jqToken{kind: "punct", text: string(c)})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, jqToken{kind: "punct", text: string(c) + "="})
				i += 2
			} else if c == '<' || c == '>' {
				tokens = append(tokens, jqToken{kind: "punct", text: string(c)})
				i++
			} else {
				return nil, fmt.Errorf("unexpected %q", c)
			}
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '%':
			tokens = append(tokens, jqToken{kind: "punct", text: string(c)})
			i++
		case c == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < len(runes) {
					switch runes[j+1] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case '"':
						sb.WriteRune('"')
					case '\\':
						sb.WriteRune('\\')
					default:
						sb.WriteRune(runes[j+1])
					}
					j += 2
					continue
				}
				sb.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string")
			}
			tokens = append(tokens, jqToken{kind: "str", text: sb.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(runes) && (runes[j] >= '0' && runes[j] <= '9' || runes[j] == '.' && j+1 < len(runes) && runes[j+1] >= '0' && runes[j+1] <= '9' || runes[j] == 'e' || runes[j] == 'E') {
				j++
			}
			n, err := strconv.ParseFloat(string(runes[i:j]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", string(runes[i:j]))
			}
			tokens = append(tokens, jqToken{kind: "num", num: n, text: string(runes[i:j])})
			i = j
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			j := i
			for j < len(runes) && (runes[j] == '_' || runes[j] >= 'a' && runes[j] <= 'z' || runes[j] >= 'A' && runes[j] <= 'Z' || runes[j] >= '0' && runes[j] <= '9') {
				j++
			}
			tokens = append(tokens, jqToken{kind: "ident", text: string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q", c)
		}
	}
	return tokens, nil
}

func (p *jqParser) peek() *jqToken {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *jqParser) accept(kind, text string) bool {
	if t := p.peek(); t != nil && t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *jqParser) expect(kind, text string) error {
	if p.accept(kind, text) {
		return nil
	}
	if t := p.peek(); t != nil {
		return fmt.Errorf("expected %q, found %q", text, t.text)
	}
	return fmt.Errorf("expected %q at end of filter", text)
}

func (p *jqParser) parsePipe() (jqExpr, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.accept("punct", "|") {
		right, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		return jqPipe{left: left, right: right}, nil
	}
	return left, nil
}

func (p *jqParser) parseOr() (jqExpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if t := p.peek(); t != nil && t.kind == "ident" && t.text == "or" {
			p.pos++
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = jqBinary{op: "or", left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *jqParser) parseAnd() (jqExpr, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for {
		if t := p.peek(); t != nil && t.kind == "ident" && t.text == "and" {
			p.pos++
			right, err := p.parseCompare()
			if err != nil {
				return nil, err
			}
			left = jqBinary{op: "and", left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *jqParser) parseCompare() (jqExpr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil && t.kind == "punct" {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.pos++
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return jqBinary{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *jqParser) parseAdditive() (jqExpr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "punct" || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = jqBinary{op: t.text, left: left, right: right}
	}
}

func (p *jqParser) parseMultiplicative() (jqExpr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "punct" || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = jqBinary{op: t.text, left: left, right: right}
	}
}

func (p *jqParser) parseUnary() (jqExpr, error) {
	if p.accept("punct", "-") {
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return jqNeg{expr: expr}, nil
	}
	return p.parsePostfix()
}

func (p *jqParser) parsePostfix() (jqExpr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("punct", "."):
			t := p.peek()
			if t == nil || t.kind != "ident" {
				return nil, fmt.Errorf("expected field name after '.'")
			}
			p.pos++
			expr = jqField{expr: expr, name: t.text}
		case p.accept("punct", "["):
			next, err := p.parseBracket(expr)
			if err != nil {
				return nil, err
			}
			expr = next
		case p.accept("punct", "?"):
			expr = jqOptional{expr: expr}
		default:
			return expr, nil
		}
	}
}

// parseBracket handles the forms following '[': iteration "[]", index
// "[e]", and slice "[e:e]" with open ends.
func (p *jqParser) parseBracket(base jqExpr) (jqExpr, error) {
	if p.accept("punct", "]") {
		return jqIterate{expr: base}, nil
	}
	var from jqExpr
	if t := p.peek(); t == nil || t.kind != "punct" || t.text != ":" {
		var err error
		from, err = p.parsePipe()
		if err != nil {
			return nil, err
		}
	}
	if p.accept("punct", ":") {
		var to jqExpr
		if t := p.peek(); t == nil || t.kind != "punct" || t.text != "]" {
			var err error
			to, err = p.parsePipe()
			if err != nil {
				return nil, err
			}
		}
		if err := p.expect("punct", "]"); err != nil {
			return nil, err
		}
		return jqSlice{expr: base, from: from, to: to}, nil
	}
	if err := p.expect("punct", "]"); err != nil {
		return nil, err
	}
	return jqIndex{expr: base, index: from}, nil
}

func (p *jqParser) parsePrimary() (jqExpr, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of filter")
	}
	switch t.kind {
	case "num":
		p.pos++
		return jqLiteral{value: t.num}, nil
	case "str":
		p.pos++
		return jqLiteral{value: t.text}, nil
	case "ident":
		switch t.text {
		case "true":
			p.pos++
			return jqLiteral{value: true}, nil
		case "false":
			p.pos++
			return jqLiteral{value: false}, nil
		case "null":
			p.pos++
			return jqLiteral{value: nil}, nil
		}
		p.pos++
		fn := jqFunc{name: t.text}
		if p.accept("punct", "(") {
			for {
				arg, err := p.parsePipe()
				if err != nil {
					return nil, err
				}
				fn.args = append(fn.args, arg)
				if p.accept("punct", ",") {
					continue
				}
				break
			}
			if err := p.expect("punct", ")"); err != nil {
				return nil, err
			}
		}
		return fn, nil
	case "punct":
		switch t.text {
		case ".":
			p.pos++
			// '.' alone is identity; '.foo' starts a field path. Later
			// segments are consumed by parsePostfix.
			if next := p.peek(); next != nil && next.kind == "ident" {
				p.pos++
				return jqField{expr: jqIdentity{}, name: next.text}, nil
			}
			return jqIdentity{}, nil
		case "(":
			p.pos++
			inner, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			if err := p.expect("punct", ")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			p.pos++
			if p.accept("punct", "]") {
				return jqArrayConstruct{}, nil
			}
			arr := jqArrayConstruct{}
			for {
				elem, err := p.parsePipe()
				if err != nil {
					return nil, err
				}
				arr.elems = append(arr.elems, elem)
				if p.accept("punct", ",") {
					continue
				}
				break
			}
			if err := p.expect("punct", "]"); err != nil {
				return nil, err
			}
			return arr, nil
		case "{":
			p.pos++
			obj := jqObjectConstruct{}
			for {
				kt := p.peek()
				if kt == nil || (kt.kind != "ident" && kt.kind != "str") {
					return nil, fmt.Errorf("expected object key")
				}
				p.pos++
				key := kt.text
				if p.accept("punct", ":") {
					val, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					obj.keys = append(obj.keys, key)
					obj.values = append(obj.values, val)
				} else {
					// {foo} shorthand for {foo: .foo}
					obj.keys = append(obj.keys, key)
					obj.values = append(obj.values, jqField{expr: jqIdentity{}, name: key})
				}
				if p.accept("punct", ",") {
					continue
				}
				break
			}
			if err := p.expect("punct", "}"); err != nil {
				return nil, err
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}
