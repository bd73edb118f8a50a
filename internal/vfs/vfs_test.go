package vfs

import (
	"errors"
	"reflect"
	"testing"
)

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("expected *vfs.Error, got %T: %v", err, err)
	}
	return ve.Kind
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := New()
	if err := fs.WriteFile("/workspace/a.txt", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := fs.ReadFile("/workspace/a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("read back %q, want %q", data, "hello")
	}
	// overwrite
	if err := fs.WriteFile("/workspace/a.txt", []byte("bye")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = fs.ReadFile("/workspace/a.txt")
	if string(data) != "bye" {
		t.Errorf("after overwrite got %q", data)
	}
}

func TestReadIsolatedFromCallerBuffer(t *testing.T) {
	fs := New()
	buf := []byte("abc")
	fs.WriteFile("/tmp/f", buf)
	buf[0] = 'x'
	data, _ := fs.ReadFile("/tmp/f")
	if string(data) != "abc" {
		t.Errorf("stored data aliased the caller's buffer: %q", data)
	}
	data[0] = 'z'
	again, _ := fs.ReadFile("/tmp/f")
	if string(again) != "abc" {
		t.Errorf("returned data aliased the stored buffer: %q", again)
	}
}

func TestReadOnlyMounts(t *testing.T) {
	fs := New()
	err := fs.WriteFile("/etc/passwd", []byte("nope"))
	if kindOf(t, err) != ErrReadOnly {
		t.Errorf("write outside rw mounts should be read_only, got %v", err)
	}
	if err := fs.Mkdir("/data", false); kindOf(t, err) != ErrReadOnly {
		t.Errorf("mkdir under / should be read_only, got %v", err)
	}

	// Preload bypasses modes, guest writes still cannot.
	if err := fs.Preload("/data/seed.json", []byte(`{}`)); err != nil {
		t.Fatalf("preload: %v", err)
	}
	data, err := fs.ReadFile("/data/seed.json")
	if err != nil || string(data) != "{}" {
		t.Fatalf("reading preloaded file: %v %q", err, data)
	}
	if err := fs.Unlink("/data/seed.json"); kindOf(t, err) != ErrReadOnly {
		t.Errorf("unlink in read-only mount should fail, got %v", err)
	}
}

func TestAddMount(t *testing.T) {
	fs := New()
	if err := fs.AddMount("/cache", ReadWrite); err != nil {
		t.Fatalf("add mount: %v", err)
	}
	if err := fs.WriteFile("/cache/x", []byte("1")); err != nil {
		t.Errorf("write into new rw mount: %v", err)
	}
	// a read-only mount under a read-write one wins by longest prefix
	if err := fs.AddMount("/workspace/frozen", ReadOnly); err != nil {
		t.Fatalf("add nested mount: %v", err)
	}
	if err := fs.WriteFile("/workspace/frozen/x", []byte("1")); kindOf(t, err) != ErrReadOnly {
		t.Errorf("nested read-only mount should win, got %v", err)
	}
	if err := fs.WriteFile("/workspace/ok", []byte("1")); err != nil {
		t.Errorf("sibling path stays writable: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/workspace/a.txt", []string{"workspace", "a.txt"}},
		{"workspace//a.txt", []string{"workspace", "a.txt"}},
		{"/workspace/./a.txt", []string{"workspace", "a.txt"}},
		{"/workspace/../tmp/f", []string{"tmp", "f"}},
		{"/../../../etc", []string{"etc"}},
		{"/", nil},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Normalize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDotDotCannotEscapeWriteChecks(t *testing.T) {
	fs := New()
	// resolves to /etc/passwd, outside any rw mount
	err := fs.WriteFile("/workspace/../etc/passwd", []byte("x"))
	if kindOf(t, err) != ErrReadOnly {
		t.Errorf("traversal should still hit the read-only root, got %v", err)
	}
}

func TestMkdirSemantics(t *testing.T) {
	fs := New()
	if err := fs.Mkdir("/workspace/a/b/c", false); kindOf(t, err) != ErrNotFound {
		t.Errorf("non-recursive mkdir with missing parents should be not_found, got %v", err)
	}
	if err := fs.Mkdir("/workspace/a/b/c", true); err != nil {
		t.Fatalf("recursive mkdir: %v", err)
	}
	if err := fs.Mkdir("/workspace/a/b/c", true); err != nil {
		t.Errorf("recursive mkdir on existing dir should succeed: %v", err)
	}
	if err := fs.Mkdir("/workspace/a", false); kindOf(t, err) != ErrExists {
		t.Errorf("non-recursive mkdir on existing path should be exists, got %v", err)
	}
	info, err := fs.Stat("/workspace/a/b")
	if err != nil || !info.IsDir {
		t.Errorf("stat of created dir: %v %+v", err, info)
	}
}

func TestReadDirSorted(t *testing.T) {
	fs := New()
	fs.WriteFile("/workspace/c.txt", []byte("cc"))
	fs.WriteFile("/workspace/a.txt", []byte("a"))
	fs.Mkdir("/workspace/b", false)
	entries, err := fs.ReadDir("/workspace")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	want := []Entry{
		{Name: "a.txt", Size: 1},
		{Name: "b", IsDir: true},
		{Name: "c.txt", Size: 2},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}
	if _, err := fs.ReadDir("/workspace/a.txt"); kindOf(t, err) != ErrNotADirectory {
		t.Errorf("readdir of a file should be not_a_directory, got %v", err)
	}
}

func TestUnlink(t *testing.T) {
	fs := New()
	fs.WriteFile("/tmp/f", []byte("x"))
	if err := fs.Unlink("/tmp/f"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := fs.ReadFile("/tmp/f"); kindOf(t, err) != ErrNotFound {
		t.Errorf("file should be gone, got %v", err)
	}
	if err := fs.Unlink("/tmp/f"); kindOf(t, err) != ErrNotFound {
		t.Errorf("double unlink should be not_found, got %v", err)
	}
	fs.Mkdir("/tmp/d", false)
	if err := fs.Unlink("/tmp/d"); kindOf(t, err) != ErrIsADirectory {
		t.Errorf("unlink of a directory should be is_a_directory, got %v", err)
	}
}

func TestErrorCases(t *testing.T) {
	fs := New()
	if _, err := fs.ReadFile("/nope"); kindOf(t, err) != ErrNotFound {
		t.Errorf("missing file: %v", err)
	}
	if _, err := fs.ReadFile("/workspace"); kindOf(t, err) != ErrIsADirectory {
		t.Errorf("reading a directory: %v", err)
	}
	if err := fs.WriteFile("/workspace/missing/f", []byte("x")); kindOf(t, err) != ErrNotFound {
		t.Errorf("write with missing parent: %v", err)
	}
	if err := fs.WriteFile("/workspace", []byte("x")); kindOf(t, err) != ErrIsADirectory {
		t.Errorf("write over a directory: %v", err)
	}
	if _, err := fs.Stat("/ghost"); kindOf(t, err) != ErrNotFound {
		t.Errorf("stat of missing path: %v", err)
	}
}
