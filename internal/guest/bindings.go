package guest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/codefionn/kapsel/internal/vfs"
)

// installBindings injects the mandatory globals: console, fs, shell, and
// btoa/atob. Tool stubs are bound separately.
func (r *Runtime) installBindings() error {
	if err := r.bindConsole(); err != nil {
		return err
	}
	if err := r.bindFS(); err != nil {
		return err
	}
	r.vm.Set("shell", r.shellBinding)
	r.vm.Set("btoa", func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	})
	r.vm.Set("atob", func(s string) (string, error) {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("atob: invalid base64 input")
		}
		return string(decoded), nil
	})
	return nil
}

func (r *Runtime) bindConsole() error {
	console := r.vm.NewObject()
	logTo := func(target func(string)) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = r.formatValue(arg)
			}
			target(strings.Join(parts, " ") + "\n")
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logTo(func(s string) { r.stdout.WriteString(s) })); err != nil {
		return err
	}
	if err := console.Set("error", logTo(func(s string) { r.stderr.WriteString(s) })); err != nil {
		return err
	}
	return r.vm.Set("console", console)
}

// formatValue renders one console argument: strings as-is, everything else
// through JSON where possible.
func (r *Runtime) formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := v.(*goja.Object); ok {
		exported := v.Export()
		if _, isFunc := goja.AssertFunction(v); !isFunc {
			if raw, err := json.Marshal(exported); err == nil {
				return string(raw)
			}
		}
	}
	return v.String()
}

// bindFS exposes the VFS as the async `fs` global. Every operation returns
// a promise; failures reject with an Error whose kind is "vfs".
func (r *Runtime) bindFS() error {
	fsObj := r.vm.NewObject()

	resolved := func(value goja.Value) goja.Value {
		promise, resolve, _ := r.vm.NewPromise()
		resolve(value)
		return r.vm.ToValue(promise)
	}
	rejected := func(err error) goja.Value {
		promise, _, reject := r.vm.NewPromise()
		reject(r.vfsErrorObject(err))
		return r.vm.ToValue(promise)
	}

	bind := func(name string, fn func(call goja.FunctionCall) (goja.Value, error)) error {
		return fsObj.Set(name, func(call goja.FunctionCall) goja.Value {
			value, err := fn(call)
			if err != nil {
				return rejected(err)
			}
			return resolved(value)
		})
	}

	if err := bind("readFile", func(call goja.FunctionCall) (goja.Value, error) {
		data, err := r.fs.ReadFile(call.Argument(0).String())
		if err != nil {
			return nil, err
		}
		return r.vm.ToValue(decodeUTF8(data)), nil
	}); err != nil {
		return err
	}
	if err := bind("readBytes", func(call goja.FunctionCall) (goja.Value, error) {
		data, err := r.fs.ReadFile(call.Argument(0).String())
		if err != nil {
			return nil, err
		}
		return r.uint8Array(data), nil
	}); err != nil {
		return err
	}
	if err := bind("writeFile", func(call goja.FunctionCall) (goja.Value, error) {
		data, err := contentBytes(call.Argument(1))
		if err != nil {
			return nil, err
		}
		if err := r.fs.WriteFile(call.Argument(0).String(), data); err != nil {
			return nil, err
		}
		return goja.Undefined(), nil
	}); err != nil {
		return err
	}
	if err := bind("mkdir", func(call goja.FunctionCall) (goja.Value, error) {
		recursive := false
		if opts, ok := call.Argument(1).(*goja.Object); ok {
			if v := opts.Get("recursive"); v != nil {
				recursive = v.ToBoolean()
			}
		}
		if err := r.fs.Mkdir(call.Argument(0).String(), recursive); err != nil {
			return nil, err
		}
		return goja.Undefined(), nil
	}); err != nil {
		return err
	}
	if err := bind("readdir", func(call goja.FunctionCall) (goja.Value, error) {
		entries, err := r.fs.ReadDir(call.Argument(0).String())
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(entries))
		for i, e := range entries {
			out[i] = map[string]interface{}{
				"name":  e.Name,
				"isDir": e.IsDir,
				"size":  e.Size,
			}
		}
		return r.vm.ToValue(out), nil
	}); err != nil {
		return err
	}
	if err := bind("stat", func(call goja.FunctionCall) (goja.Value, error) {
		info, err := r.fs.Stat(call.Argument(0).String())
		if err != nil {
			return nil, err
		}
		return r.vm.ToValue(map[string]interface{}{
			"path":  info.Path,
			"size":  info.Size,
			"isDir": info.IsDir,
			"mtime": info.ModTime.UnixMilli(),
		}), nil
	}); err != nil {
		return err
	}
	if err := bind("unlink", func(call goja.FunctionCall) (goja.Value, error) {
		if err := r.fs.Unlink(call.Argument(0).String()); err != nil {
			return nil, err
		}
		return goja.Undefined(), nil
	}); err != nil {
		return err
	}

	return r.vm.Set("fs", fsObj)
}

// shellBinding implements the guest `shell(cmd, {stdin})` call. The applet
// suite runs to completion inside this host call, so from the guest's
// perspective the call is synchronous; a non-zero pipeline exit throws an
// error of kind "shell" carrying the exit status and stderr.
func (r *Runtime) shellBinding(call goja.FunctionCall) goja.Value {
	cmd := call.Argument(0).String()
	var stdin []byte
	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if v := opts.Get("stdin"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			data, err := contentBytes(v)
			if err != nil {
				panic(r.errorObject(KindShell, "", fmt.Sprintf("invalid stdin: %v", err)))
			}
			stdin = data
		}
	}

	result, err := r.shell.Run(cmd, stdin)
	if err != nil {
		panic(r.errorObject(KindShell, "", err.Error()))
	}
	if result.ExitCode != 0 {
		obj := r.errorObject(KindShell, "", strings.TrimSpace(result.Stderr))
		if o, ok := obj.(*goja.Object); ok {
			_ = o.Set("status", result.ExitCode)
			_ = o.Set("stderr", result.Stderr)
		}
		panic(obj)
	}
	return r.vm.ToValue(result.Stdout)
}

// bindStdin installs the per-execute stdin fast path: a global `stdin`
// object whose text() and bytes() methods resolve with the payload handed
// to Execute. The payload bypasses the command channel entirely.
func (r *Runtime) bindStdin(data []byte) {
	stdinObj := r.vm.NewObject()
	_ = stdinObj.Set("text", func(call goja.FunctionCall) goja.Value {
		promise, resolve, _ := r.vm.NewPromise()
		resolve(r.vm.ToValue(decodeUTF8(data)))
		return r.vm.ToValue(promise)
	})
	_ = stdinObj.Set("bytes", func(call goja.FunctionCall) goja.Value {
		promise, resolve, _ := r.vm.NewPromise()
		resolve(r.uint8Array(data))
		return r.vm.ToValue(promise)
	})
	r.vm.Set("stdin", stdinObj)
}

func (r *Runtime) vfsErrorObject(err error) goja.Value {
	msg := err.Error()
	obj := r.errorObject(KindVFS, "", msg)
	if vErr, ok := err.(*vfs.Error); ok {
		if o, isObj := obj.(*goja.Object); isObj {
			_ = o.Set("subKind", string(vErr.Kind))
			_ = o.Set("path", vErr.Path)
		}
	}
	return obj
}

// uint8Array wraps bytes in a guest Uint8Array backed by a copy.
func (r *Runtime) uint8Array(data []byte) goja.Value {
	buf := r.vm.NewArrayBuffer(append([]byte(nil), data...))
	ctor := r.vm.Get("Uint8Array")
	arr, err := r.vm.New(ctor, r.vm.ToValue(buf))
	if err != nil {
		return r.vm.ToValue(buf)
	}
	return arr
}

// decodeUTF8 converts file bytes to a string, replacing invalid sequences.
func decodeUTF8(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

// contentBytes accepts a guest string, Uint8Array, or ArrayBuffer as write
// payload.
func contentBytes(v goja.Value) ([]byte, error) {
	switch exported := v.Export().(type) {
	case string:
		return []byte(exported), nil
	case []byte:
		return exported, nil
	case goja.ArrayBuffer:
		return exported.Bytes(), nil
	default:
		return nil, fmt.Errorf("expected string or bytes, got %T", exported)
	}
}

// exportParams converts the stub's single argument into the parameter map
// the bridge sends. The JSON round trip normalizes goja's int64/float64
// mix into plain JSON numbers.
func exportParams(v goja.Value) (map[string]interface{}, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, err
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("tool parameters must be an object")
	}
	return params, nil
}
