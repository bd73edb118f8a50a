package shell

import (
	"strings"
	"testing"
)

func jqOut(t *testing.T, filter, input string) string {
	t.Helper()
	e := newEngine(t)
	res := run(t, e, "jq '"+filter+"'", input)
	if res.ExitCode != 0 {
		t.Fatalf("jq %q exit %d, stderr %q", filter, res.ExitCode, res.Stderr)
	}
	return res.Stdout
}

func TestJqBasics(t *testing.T) {
	tests := []struct {
		filter string
		input  string
		want   string
	}{
		{".", `{"a":1}`, "{\"a\":1}\n"},
		{".a", `{"a":1}`, "1\n"},
		{".a.b", `{"a":{"b":"x"}}`, "\"x\"\n"},
		{".a", `{}`, "null\n"},
		{".[0]", `[10,20]`, "10\n"},
		{".[-1]", `[10,20]`, "20\n"},
		{".[5]", `[10,20]`, "null\n"},
		{".[1:3]", `[1,2,3,4]`, "[2,3]\n"},
		{".[:2]", `[1,2,3,4]`, "[1,2]\n"},
		{".[2:]", `[1,2,3,4]`, "[3,4]\n"},
		{".[]", `[1,2]`, "1\n2\n"},
		{".items[]", `{"items":["x","y"]}`, "\"x\"\n\"y\"\n"},
		{"length", `[1,2,3]`, "3\n"},
		{"length", `"abcd"`, "4\n"},
		{"length", `"héllo"`, "5\n"},
		{".[0:2]", `"héllo"`, "\"hé\"\n"},
		{"keys", `{"b":1,"a":2}`, "[\"a\",\"b\"]\n"},
		{"add", `[1,2,3]`, "6\n"},
		{"add", `["a","b"]`, "\"ab\"\n"},
		{"not", `false`, "true\n"},
		{"sort", `[3,1,2]`, "[1,2,3]\n"},
		{"1 + 2", `null`, "3\n"},
		{".a * 2", `{"a":4}`, "8\n"},
		{".a - .b", `{"a":5,"b":3}`, "2\n"},
		{"10 / 4", `null`, "2.5\n"},
		{"7 % 3", `null`, "1\n"},
		{"-.a", `{"a":2}`, "-2\n"},
		{`"x" + "y"`, `null`, "\"xy\"\n"},
		{"[1,2] + [3]", `null`, "[1,2,3]\n"},
		{".a == 1", `{"a":1}`, "true\n"},
		{".a < 2 and .b > 0", `{"a":1,"b":1}`, "true\n"},
		{"false or true", `null`, "true\n"},
		{"[.[] * 2]", `[1,2]`, "[2,4]\n"},
		{"[.a, .b]", `{"a":1,"b":2}`, "[1,2]\n"},
		{"[0, .[]]", `[1,2]`, "[0,1,2]\n"},
		{"[]", `null`, "[]\n"},
		{"{a: 1}", `null`, "{\"a\":1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			if got := jqOut(t, tt.filter, tt.input); got != tt.want {
				t.Errorf("jq %q on %s = %q, want %q", tt.filter, tt.input, got, tt.want)
			}
		})
	}
}

func TestJqSelectMapGroup(t *testing.T) {
	input := `[{"n":"a","v":3},{"n":"b","v":1},{"n":"a","v":2}]`
	if got := jqOut(t, ".[] | select(.v > 1)", input); got != "{\"n\":\"a\",\"v\":3}\n{\"n\":\"a\",\"v\":2}\n" {
		t.Errorf("select: %q", got)
	}
	if got := jqOut(t, "map(.v)", input); got != "[3,1,2]\n" {
		t.Errorf("map: %q", got)
	}
	if got := jqOut(t, "sort_by(.v) | map(.n)", input); got != "[\"b\",\"a\",\"a\"]\n" {
		t.Errorf("sort_by: %q", got)
	}
	if got := jqOut(t, "group_by(.n) | map(length)", input); got != "[2,1]\n" {
		t.Errorf("group_by: %q", got)
	}
}

func TestJqObjectConstruct(t *testing.T) {
	input := `{"name":"ada","age":36,"extra":true}`
	if got := jqOut(t, "{name, grown: (.age >= 18)}", input); got != "{\"grown\":true,\"name\":\"ada\"}\n" {
		t.Errorf("object construct: %q", got)
	}
}

func TestJqOptionalAndErrors(t *testing.T) {
	e := newEngine(t)
	res := run(t, e, "jq '.foo'", `5`)
	if res.ExitCode != 5 {
		t.Errorf("indexing a number should fail with exit 5, got %d (%q)", res.ExitCode, res.Stderr)
	}
	if got := jqOut(t, ".foo?", `5`); got != "" {
		t.Errorf("optional suppresses the error, got %q", got)
	}

	res = run(t, e, "jq '.a |'", `{}`)
	if res.ExitCode != 3 {
		t.Errorf("bad filter should exit 3, got %d", res.ExitCode)
	}
	res = run(t, e, "jq '.'", `{not json`)
	if res.ExitCode != 4 {
		t.Errorf("bad input should exit 4, got %d", res.ExitCode)
	}
	res = run(t, e, "jq", ``)
	if res.ExitCode != 2 {
		t.Errorf("missing filter should exit 2, got %d", res.ExitCode)
	}
}

func TestJqRawOutput(t *testing.T) {
	if got := jqOut(t, ".a", `{"a":"plain"}`); got != "\"plain\"\n" {
		t.Errorf("default output quotes strings: %q", got)
	}
	e := newEngine(t)
	res := run(t, e, "jq -r '.a'", `{"a":"plain"}`)
	if res.Stdout != "plain\n" {
		t.Errorf("-r strips quotes from strings: %q", res.Stdout)
	}
	res = run(t, e, "jq -r '.n'", `{"n":7}`)
	if res.Stdout != "7\n" {
		t.Errorf("-r leaves non-strings as JSON: %q", res.Stdout)
	}
}

func TestJqValueStream(t *testing.T) {
	// multiple whitespace-separated JSON documents on stdin
	if got := jqOut(t, ".x", "{\"x\":1}\n{\"x\":2}\n"); got != "1\n2\n" {
		t.Errorf("stream: %q", got)
	}
}

func TestJqTotalOrder(t *testing.T) {
	got := jqOut(t, "sort", `[{"a":1},"s",3,true,null,[1],false]`)
	want := "[null,false,true,3,\"s\",[1],{\"a\":1}]\n"
	if got != want {
		t.Errorf("sort order = %q, want %q", got, want)
	}
}

func TestJqInPipeline(t *testing.T) {
	e := newEngine(t)
	input := `{"users":[{"n":"b"},{"n":"a"},{"n":"c"}]}`
	res := run(t, e, "jq '.users[].n' | sort | head -n 1", input)
	if res.ExitCode != 0 {
		t.Fatalf("pipeline failed: %d %q", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != `"a"` {
		t.Errorf("pipeline output %q, want %q", res.Stdout, `"a"`)
	}
}
