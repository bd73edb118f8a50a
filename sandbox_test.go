package kapsel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/capability"
)

func newSandbox(t *testing.T, opts ...Option) *Sandbox {
	t.Helper()
	sb, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })
	return sb
}

func errKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	var se *Error
	require.ErrorAs(t, err, &se)
	return se.Kind
}

func TestExecuteJavaScript(t *testing.T) {
	sb := newSandbox(t)
	out, err := sb.Execute(context.Background(), `console.log("hi from guest");`, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi from guest\n", out)
}

func TestExecuteWithToolsAndDefaultBudget(t *testing.T) {
	handler := func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echoed": params["msg"]}, nil
	}
	sb := newSandbox(t,
		WithTools(ToolDefinition{Name: "echo_tool", Description: "echoes"}),
		WithToolHandler(handler),
	)
	out, err := sb.Execute(context.Background(), `
		const r = await echo_tool({msg: "ping"});
		console.log(r.echoed);
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", out)

	n, unlimited := sb.GetRemainingCalls("cap:method:echo_tool")
	assert.False(t, unlimited)
	assert.Equal(t, DefaultMaxCalls-1, n)
}

func TestExplicitCapabilities(t *testing.T) {
	handler := func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
		return "sent", nil
	}
	sb := newSandbox(t,
		WithTools(ToolDefinition{Name: "transfer"}),
		WithToolHandler(handler),
		WithCapabilities(capability.NewCapability("transfer",
			capability.Le("amount", 1000),
			capability.Eq("currency", "USD"),
		)),
	)
	out, err := sb.Execute(context.Background(), `
		console.log(await transfer({amount: 250, currency: "USD"}));
		try {
			await transfer({amount: 250, currency: "EUR"});
		} catch (e) {
			console.log(e.kind, e.subKind);
		}
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "sent\nauthorization constraint\n", out)
}

func TestAttenuatedSet(t *testing.T) {
	parent := capability.NewSet(capability.NewBudgetedCapability("data/**", 10))
	one := uint64(1)
	child, err := parent.Attenuate([]capability.MethodCapability{
		{Pattern: "data/users/read", MaxCalls: &one},
	})
	require.NoError(t, err)

	handler := func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
		return "row", nil
	}
	sb := newSandbox(t,
		WithTools(ToolDefinition{Name: "data/users/read"}),
		WithToolHandler(handler),
		WithCapabilitySet(child),
	)
	out, err := sb.Execute(context.Background(), `
		console.log(await data_users_read({}));
		try { await data_users_read({}); } catch (e) { console.log(e.subKind); }
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "row\nbudget_exhausted\n", out)
}

func TestShellPipeline(t *testing.T) {
	sb := newSandbox(t)
	out, err := sb.Shell(context.Background(), "echo hello | tr a-z A-Z", nil)
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", out)
}

func TestShellExitError(t *testing.T) {
	sb := newSandbox(t)
	_, err := sb.Shell(context.Background(), "definitely-not-a-command", nil)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrShell, se.Kind)
	assert.Equal(t, 127, se.Status)
}

func TestRunDispatch(t *testing.T) {
	sb := newSandbox(t)
	out, err := sb.Run(context.Background(), `console.log(1 + 1);`, "js", nil)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = sb.Run(context.Background(), "echo shell-side", "bash", nil)
	require.NoError(t, err)
	assert.Equal(t, "shell-side\n", out)

	// empty language falls back to the configured default
	out, err = sb.Run(context.Background(), `console.log("default");`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "default\n", out)

	_, err = sb.Run(context.Background(), "print('no')", "python", nil)
	assert.Equal(t, ErrRuntime, errKind(t, err))
}

func TestDefaultLanguageShell(t *testing.T) {
	sb := newSandbox(t, WithDefaultLanguage(LanguageShell))
	out, err := sb.Run(context.Background(), "echo via-default", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "via-default\n", out)

	_, err = New(WithDefaultLanguage("cobol"))
	require.Error(t, err)
}

func TestSeededFilesAndMounts(t *testing.T) {
	sb := newSandbox(t,
		WithFile("/data/config.json", []byte(`{"env":"prod"}`)),
		WithMount("/scratch", true),
	)
	out, err := sb.Execute(context.Background(), `
		const cfg = JSON.parse(await fs.readFile("/data/config.json"));
		console.log(cfg.env);
		try {
			await fs.writeFile("/data/hack", "x");
		} catch (e) {
			console.log(e.subKind);
		}
		await fs.writeFile("/scratch/ok", "fine");
		console.log(await fs.readFile("/scratch/ok"));
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "prod\nread_only\nfine\n", out)
}

func TestStdinFastPath(t *testing.T) {
	sb := newSandbox(t)
	out, err := sb.Execute(context.Background(), `
		const text = await stdin.text();
		console.log(text.toUpperCase());
	`, []byte("quiet payload"))
	require.NoError(t, err)
	assert.Equal(t, "QUIET PAYLOAD\n", out)

	// stdin also feeds shell pipelines directly
	out, err = sb.Shell(context.Background(), "wc -w", []byte("a b c"))
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))
}

func TestIntrospectionTotality(t *testing.T) {
	// no capability set at all: everything is callable
	open := newSandbox(t)
	assert.True(t, open.CanCall("anything", nil))
	assert.Nil(t, open.GetCapabilities())
	n, unlimited := open.GetRemainingCalls("cap:method:anything")
	assert.True(t, unlimited)
	assert.Zero(t, n)

	restricted := newSandbox(t, WithCapabilities(capability.NewBudgetedCapability("ping", 3)))
	assert.True(t, restricted.CanCall("ping", nil))
	assert.False(t, restricted.CanCall("pong", nil))
	caps := restricted.GetCapabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, "cap:method:ping", caps[0].Key())
	n, unlimited = restricted.GetRemainingCalls("cap:method:missing")
	assert.False(t, unlimited)
	assert.Zero(t, n)
}

func TestAuditOrdering(t *testing.T) {
	handler := func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	}
	sb := newSandbox(t,
		WithTools(ToolDefinition{Name: "ping"}),
		WithToolHandler(handler),
	)
	_, err := sb.Execute(context.Background(), `
		console.log(await ping({}));
	`, nil)
	require.NoError(t, err)

	entries := sb.AuditEntries(audit.Filter{})
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.EventCommandCreate, entries[0].Type)
	assert.Equal(t, audit.EventCommandExit, entries[len(entries)-1].Type)

	var callIdx, resultIdx = -1, -1
	for i, e := range entries {
		switch e.Type {
		case audit.EventToolCall:
			callIdx = i
		case audit.EventToolResult:
			resultIdx = i
		}
	}
	require.GreaterOrEqual(t, callIdx, 0)
	require.Greater(t, resultIdx, callIdx)
	assert.Equal(t, map[string]interface{}{"status": 0}, entries[len(entries)-1].Data)
}

func TestStreamPreviewTruncation(t *testing.T) {
	sb := newSandbox(t)
	_, err := sb.Execute(context.Background(), `console.log("x".repeat(1000));`, nil)
	require.NoError(t, err)

	chunks := sb.AuditEntries(audit.Filter{Types: []audit.EventType{audit.EventStreamChunk}})
	require.Len(t, chunks, 1)
	preview := chunks[0].Data["preview"].(string)
	assert.Len(t, preview, 256)
	assert.Equal(t, 1001, chunks[0].Data["size"])
}

func TestGuestErrorTranslation(t *testing.T) {
	sb := newSandbox(t)
	_, err := sb.Execute(context.Background(), `throw new Error("kaboom");`, nil)
	require.Error(t, err)
	assert.Equal(t, ErrRuntime, errKind(t, err))
	assert.Contains(t, err.Error(), "kaboom")

	exits := sb.AuditEntries(audit.Filter{Types: []audit.EventType{audit.EventCommandExit}})
	require.Len(t, exits, 1)
	assert.Equal(t, 1, exits[0].Data["status"])
	assert.Equal(t, string(ErrRuntime), exits[0].Data["error_kind"])
}

func TestTimeout(t *testing.T) {
	sb := newSandbox(t, WithTimeout(50*time.Millisecond))
	_, err := sb.Execute(context.Background(), `for (;;) {}`, nil)
	assert.Equal(t, ErrTimeout, errKind(t, err))
}

func TestTurnsAndSession(t *testing.T) {
	sb := newSandbox(t, WithAudit(audit.Config{SessionID: "session-9"}))
	assert.Equal(t, "session-9", sb.SessionID())
	assert.Equal(t, uint64(1), sb.NewTurn())

	_, err := sb.Execute(context.Background(), `console.log("turn one");`, nil)
	require.NoError(t, err)
	entries := sb.DrainAudit()
	require.NotEmpty(t, entries)
	assert.Equal(t, uint64(1), entries[len(entries)-1].TurnID)
	assert.Empty(t, sb.AuditEntries(audit.Filter{}))
}

func TestCloseSemantics(t *testing.T) {
	sb := newSandbox(t)
	require.NoError(t, sb.Close())
	require.NoError(t, sb.Close())

	_, err := sb.Execute(context.Background(), `1`, nil)
	assert.Equal(t, ErrRuntime, errKind(t, err))
	_, err = sb.Shell(context.Background(), "echo x", nil)
	assert.Equal(t, ErrRuntime, errKind(t, err))
}

func TestVFSIsolationBetweenSandboxes(t *testing.T) {
	a := newSandbox(t)
	b := newSandbox(t)
	_, err := a.Execute(context.Background(), `await fs.writeFile("/workspace/a.txt", "A");`, nil)
	require.NoError(t, err)
	out, err := b.Execute(context.Background(), `
		try { await fs.readFile("/workspace/a.txt"); } catch (e) { console.log(e.subKind); }
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "not_found\n", out)
}

func TestErrorIsMatchable(t *testing.T) {
	sb := newSandbox(t)
	_, err := sb.Shell(context.Background(), "nope", nil)
	var se *Error
	assert.True(t, errors.As(err, &se))
}
