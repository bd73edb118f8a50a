// Package shell implements the guest's pipeline engine and its built-in
// applets. Applets run inside the host process but can only touch the
// sandbox VFS; there is no process spawning and no host I/O.
package shell

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/codefionn/kapsel/internal/vfs"
)

// Result captures the outcome of a pipeline run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Engine executes pipelines against a VFS. Env is the small opaque map the
// pipeline exposes; applets receive it read-only.
type Engine struct {
	FS  *vfs.FS
	Env map[string]string
}

// New creates an Engine bound to fs.
func New(fs *vfs.FS) *Engine {
	return &Engine{FS: fs, Env: map[string]string{}}
}

type command struct {
	argv       []string
	stdinFile  string
	stdoutFile string
	appendOut  bool
}

// proc is the execution context handed to an applet.
type proc struct {
	args   []string
	stdin  []byte
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	fs     *vfs.FS
	env    map[string]string
}

type appletFunc func(p *proc) int

// applets is the full command table. Only these names resolve; there are no
// subshells and no external binaries.
var applets = map[string]appletFunc{
	"cat":  appletCat,
	"echo": appletEcho,
	"grep": appletGrep,
	"tr":   appletTr,
	"cut":  appletCut,
	"sort": appletSort,
	"uniq": appletUniq,
	"head": appletHead,
	"tail": appletTail,
	"wc":   appletWc,
	"jq":   appletJq,
}

// Run parses and executes a pipeline. stdin feeds the first command unless
// it redirects from a file. The pipeline stops at the first non-zero exit
// and reports that status.
func (e *Engine) Run(line string, stdin []byte) (*Result, error) {
	cmds, err := parsePipeline(line)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(cmds) == 0 {
		return &Result{}, nil
	}

	var stderr bytes.Buffer
	current := stdin
	for i, cmd := range cmds {
		fn, ok := applets[cmd.argv[0]]
		if !ok {
			fmt.Fprintf(&stderr, "%s: command not found\n", cmd.argv[0])
			return &Result{Stderr: stderr.String(), ExitCode: 127}, nil
		}

		if cmd.stdinFile != "" {
			data, err := e.FS.ReadFile(cmd.stdinFile)
			if err != nil {
				fmt.Fprintf(&stderr, "%s: %v\n", cmd.argv[0], err)
				return &Result{Stderr: stderr.String(), ExitCode: 1}, nil
			}
			current = data
		} else if i > 0 {
			// current already holds the previous command's stdout
		}

		p := &proc{
			args:   cmd.argv[1:],
			stdin:  current,
			stdout: &bytes.Buffer{},
			stderr: &stderr,
			fs:     e.FS,
			env:    e.Env,
		}
		exit := fn(p)

		out := p.stdout.Bytes()
		if cmd.stdoutFile != "" {
			if err := e.writeRedirect(cmd, out); err != nil {
				fmt.Fprintf(&stderr, "%s: %v\n", cmd.argv[0], err)
				return &Result{Stderr: stderr.String(), ExitCode: 1}, nil
			}
			out = nil
		}

		if exit != 0 {
			return &Result{Stdout: string(out), Stderr: stderr.String(), ExitCode: exit}, nil
		}
		current = out
	}

	return &Result{Stdout: string(current), Stderr: stderr.String(), ExitCode: 0}, nil
}

func (e *Engine) writeRedirect(cmd command, out []byte) error {
	if cmd.appendOut {
		existing, err := e.FS.ReadFile(cmd.stdoutFile)
		if err == nil {
			out = append(existing, out...)
		}
	}
	return e.FS.WriteFile(cmd.stdoutFile, out)
}

// parsePipeline splits a command line into piped commands with their
// redirections. Quoting follows POSIX-ish rules: single quotes are literal,
// double quotes allow \" and \\ escapes. No globbing, no variable expansion.
func parsePipeline(line string) ([]command, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	var cmds []command
	cur := command{}
	expect := "" // pending redirection operator
	flush := func() error {
		if expect != "" {
			return fmt.Errorf("missing target after %q", expect)
		}
		if len(cur.argv) == 0 {
			return fmt.Errorf("empty command")
		}
		cmds = append(cmds, cur)
		cur = command{}
		return nil
	}

	for _, tok := range tokens {
		if tok.op {
			switch tok.text {
			case "|":
				if err := flush(); err != nil {
					return nil, err
				}
			case "<", ">", ">>":
				if expect != "" {
					return nil, fmt.Errorf("missing target after %q", expect)
				}
				expect = tok.text
			}
			continue
		}
		switch expect {
		case "<":
			cur.stdinFile = tok.text
			expect = ""
		case ">":
			cur.stdoutFile = tok.text
			cur.appendOut = false
			expect = ""
		case ">>":
			cur.stdoutFile = tok.text
			cur.appendOut = true
			expect = ""
		default:
			cur.argv = append(cur.argv, tok.text)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cmds, nil
}

type token struct {
	text string
	op   bool
}

func tokenize(line string) ([]token, error) {
	var tokens []token
	var buf strings.Builder
	have := false
	flush := func() {
		if have {
			tokens = append(tokens, token{text: buf.String()})
			buf.Reset()
			have = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case ' ', '\t', '\n':
			flush()
		case '|':
			flush()
			tokens = append(tokens, token{text: "|", op: true})
		case '<':
			flush()
			tokens = append(tokens, token{text: "<", op: true})
		case '>':
			flush()
			if i+1 < len(runes) && runes[i+1] == '>' {
				tokens = append(tokens, token{text: ">>", op: true})
				i++
			} else {
				tokens = append(tokens, token{text: ">", op: true})
			}
		case '\'':
			have = true
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				buf.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated single quote")
			}
			i = j
		case '"':
			have = true
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < len(runes) && (runes[j+1] == '"' || runes[j+1] == '\\') {
					j++
				}
				buf.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated double quote")
			}
			i = j
		case '\\':
			if i+1 < len(runes) {
				have = true
				buf.WriteRune(runes[i+1])
				i++
			}
		default:
			have = true
			buf.WriteRune(c)
		}
	}
	flush()
	return tokens, nil
}
