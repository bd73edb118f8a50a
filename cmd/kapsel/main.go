// Command kapsel runs a JavaScript program or shell pipeline inside a
// capability-controlled sandbox. The capability policy, VFS seed files, and
// audit configuration come from a YAML policy file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/codefionn/kapsel"
	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/capability"
	"github.com/codefionn/kapsel/internal/logger"
)

type policyFile struct {
	SessionID    string             `yaml:"session_id"`
	AgentID      string             `yaml:"agent_id"`
	TraceID      string             `yaml:"trace_id"`
	Capabilities []policyCapability `yaml:"capabilities"`
	Files        map[string]string  `yaml:"files"`
	Env          map[string]string  `yaml:"env"`
}

type policyCapability struct {
	Pattern     string                 `yaml:"pattern"`
	MaxCalls    *uint64                `yaml:"max_calls"`
	Constraints map[string]interface{} `yaml:"constraints"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		policyPath = flag.String("policy", "", "YAML policy file (capabilities, seed files, env)")
		language   = flag.String("lang", "javascript", "execution language: javascript or shell")
		inline     = flag.StringP("eval", "e", "", "program text (instead of a script file)")
		stdinFile  = flag.String("stdin-file", "", "file whose contents feed the guest stdin")
		readStdin  = flag.Bool("stdin", false, "feed the process stdin to the guest")
		auditLog   = flag.String("audit-log", "", "JSONL audit sink path")
		logLevel   = flag.String("log-level", "none", "host log level: debug, info, warn, error, none")
		logFile    = flag.String("log-file", "", "host log file path")
		timeout    = flag.Duration("timeout", 30*time.Second, "execution deadline")
	)
	flag.Parse()

	if err := logger.Init(logger.ParseLevel(*logLevel), *logFile); err != nil {
		return err
	}

	code := *inline
	if code == "" {
		if flag.NArg() != 1 {
			return fmt.Errorf("usage: kapsel [flags] <script-file> (or -e <code>)")
		}
		data, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			return err
		}
		code = string(data)
	}

	var stdin []byte
	switch {
	case *stdinFile != "":
		data, err := os.ReadFile(*stdinFile)
		if err != nil {
			return err
		}
		stdin = data
	case *readStdin:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		stdin = data
	}

	opts := []kapsel.Option{
		kapsel.WithDefaultLanguage(*language),
		kapsel.WithTimeout(*timeout),
	}

	auditCfg := audit.Config{LogPath: *auditLog}
	if *policyPath != "" {
		policy, err := loadPolicy(*policyPath)
		if err != nil {
			return err
		}
		auditCfg.SessionID = policy.SessionID
		auditCfg.AgentID = policy.AgentID
		auditCfg.TraceID = policy.TraceID

		caps, err := buildCapabilities(policy.Capabilities)
		if err != nil {
			return err
		}
		if len(caps) > 0 {
			opts = append(opts, kapsel.WithCapabilities(caps...))
		}
		for path, content := range policy.Files {
			opts = append(opts, kapsel.WithFile(path, []byte(content)))
		}
		if len(policy.Env) > 0 {
			opts = append(opts, kapsel.WithEnv(policy.Env))
		}
	}
	opts = append(opts, kapsel.WithAudit(auditCfg))

	sandbox, err := kapsel.New(opts...)
	if err != nil {
		return err
	}
	defer sandbox.Close()

	out, err := sandbox.Run(context.Background(), code, *language, stdin)
	if out != "" {
		fmt.Print(out)
	}
	return err
}

func loadPolicy(path string) (*policyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var policy policyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &policy, nil
}

func buildCapabilities(entries []policyCapability) ([]capability.MethodCapability, error) {
	caps := make([]capability.MethodCapability, 0, len(entries))
	for _, entry := range entries {
		if entry.Pattern == "" {
			return nil, fmt.Errorf("capability entry without a pattern")
		}
		var constraints []capability.Constraint
		for path, spec := range entry.Constraints {
			switch v := spec.(type) {
			case string:
				c, err := capability.ParseConstraint(path, v)
				if err != nil {
					return nil, err
				}
				constraints = append(constraints, c)
			case []interface{}:
				constraints = append(constraints, capability.ParseAllowedValues(path, v))
			default:
				return nil, fmt.Errorf("constraint for %q must be a string or a list", path)
			}
		}
		caps = append(caps, capability.MethodCapability{
			Pattern:     entry.Pattern,
			Constraints: constraints,
			MaxCalls:    entry.MaxCalls,
		})
	}
	return caps, nil
}
