// Package vfs implements the in-memory filesystem visible to guest code.
// Each sandbox owns one FS; nothing here touches the host filesystem and
// nothing survives sandbox disposal.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorKind classifies a filesystem failure.
type ErrorKind string

const (
	ErrReadOnly      ErrorKind = "read_only"
	ErrNotFound      ErrorKind = "not_found"
	ErrNotADirectory ErrorKind = "not_a_directory"
	ErrIsADirectory  ErrorKind = "is_a_directory"
	ErrExists        ErrorKind = "exists"
)

// Error is the typed failure returned by every operation. Guest bindings
// surface Kind as the `kind` field of the thrown error.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
}

func (e *Error) Error() string {
	return fmt.Sprintf("vfs %s %s: %s", e.Op, e.Path, e.Kind)
}

// Mode is the access mode of a mount.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Info describes a file or directory.
type Info struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Entry is one name in a directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

type node struct {
	dir      bool
	children map[string]*node
	data     []byte
	modTime  time.Time
}

func newDir() *node {
	return &node{dir: true, children: map[string]*node{}, modTime: time.Now()}
}

type mount struct {
	path string
	mode Mode
}

// FS is the per-sandbox filesystem tree. The root is read-only; /workspace
// and /tmp are read-write. Additional mounts may be added before the guest
// runs. All operations are atomic at the tree level.
type FS struct {
	mu     sync.Mutex
	root   *node
	mounts []mount
}

// New creates a filesystem with the standard mounts.
func New() *FS {
	fs := &FS{
		root: newDir(),
		mounts: []mount{
			{path: "/", mode: ReadOnly},
			{path: "/workspace", mode: ReadWrite},
			{path: "/tmp", mode: ReadWrite},
		},
	}
	fs.root.children["workspace"] = newDir()
	fs.root.children["tmp"] = newDir()
	return fs
}

// AddMount registers a mount point with the given mode and creates its
// directory. Intended for sandbox construction, before guest code runs.
func (fs *FS) AddMount(path string, mode Mode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	if _, err := fs.ensureDir(segs); err != nil {
		return err
	}
	fs.mounts = append(fs.mounts, mount{path: "/" + strings.Join(segs, "/"), mode: mode})
	return nil
}

// Preload writes a file ignoring mount modes, creating parent directories.
// Used to seed read-only data mounts at construction time.
func (fs *FS) Preload(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	if len(segs) == 0 {
		return &Error{Kind: ErrIsADirectory, Op: "preload", Path: "/"}
	}
	parent, err := fs.ensureDir(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.children[name]; ok && existing.dir {
		return &Error{Kind: ErrIsADirectory, Op: "preload", Path: joinPath(segs)}
	}
	parent.children[name] = &node{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

// Normalize resolves a path into clean segments: empty and "." segments are
// dropped, ".." pops the previous segment and cannot escape the root.
// Relative paths are resolved against "/".
func Normalize(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	return segs
}

func joinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

// modeFor returns the access mode of the longest mount prefix covering segs.
func (fs *FS) modeFor(segs []string) Mode {
	path := joinPath(segs)
	best := Mode(ReadOnly)
	bestLen := -1
	for _, m := range fs.mounts {
		if m.path == "/" {
			if bestLen < 0 {
				best, bestLen = m.mode, 0
			}
			continue
		}
		if path == m.path || strings.HasPrefix(path, m.path+"/") {
			if len(m.path) > bestLen {
				best, bestLen = m.mode, len(m.path)
			}
		}
	}
	return best
}

func (fs *FS) lookup(segs []string) (*node, bool) {
	cur := fs.root
	for _, seg := range segs {
		if !cur.dir {
			return nil, false
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (fs *FS) ensureDir(segs []string) (*node, error) {
	cur := fs.root
	for i, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			next = newDir()
			cur.children[seg] = next
		}
		if !next.dir {
			return nil, &Error{Kind: ErrNotADirectory, Op: "mkdir", Path: joinPath(segs[:i+1])}
		}
		cur = next
	}
	return cur, nil
}

// ReadFile returns a copy of the file's contents.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	n, ok := fs.lookup(segs)
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: "read_file", Path: joinPath(segs)}
	}
	if n.dir {
		return nil, &Error{Kind: ErrIsADirectory, Op: "read_file", Path: joinPath(segs)}
	}
	return append([]byte(nil), n.data...), nil
}

// WriteFile creates or replaces a file. The parent directory must exist and
// the path must be inside a read-write mount.
func (fs *FS) WriteFile(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	if len(segs) == 0 {
		return &Error{Kind: ErrIsADirectory, Op: "write_file", Path: "/"}
	}
	if fs.modeFor(segs) != ReadWrite {
		return &Error{Kind: ErrReadOnly, Op: "write_file", Path: joinPath(segs)}
	}
	parent, ok := fs.lookup(segs[:len(segs)-1])
	if !ok || !parent.dir {
		return &Error{Kind: ErrNotFound, Op: "write_file", Path: joinPath(segs[:len(segs)-1])}
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.children[name]; ok && existing.dir {
		return &Error{Kind: ErrIsADirectory, Op: "write_file", Path: joinPath(segs)}
	}
	parent.children[name] = &node{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

// Mkdir creates a directory. With recursive set, missing parents are created
// as well and an existing directory is not an error.
func (fs *FS) Mkdir(path string, recursive bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	if len(segs) == 0 {
		return nil
	}
	if fs.modeFor(segs) != ReadWrite {
		return &Error{Kind: ErrReadOnly, Op: "mkdir", Path: joinPath(segs)}
	}
	if recursive {
		_, err := fs.ensureDir(segs)
		return err
	}
	parent, ok := fs.lookup(segs[:len(segs)-1])
	if !ok || !parent.dir {
		return &Error{Kind: ErrNotFound, Op: "mkdir", Path: joinPath(segs[:len(segs)-1])}
	}
	name := segs[len(segs)-1]
	if _, exists := parent.children[name]; exists {
		return &Error{Kind: ErrExists, Op: "mkdir", Path: joinPath(segs)}
	}
	parent.children[name] = newDir()
	return nil
}

// ReadDir lists a directory in lexical order.
func (fs *FS) ReadDir(path string) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	n, ok := fs.lookup(segs)
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: "readdir", Path: joinPath(segs)}
	}
	if !n.dir {
		return nil, &Error{Kind: ErrNotADirectory, Op: "readdir", Path: joinPath(segs)}
	}
	entries := make([]Entry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, Entry{Name: name, IsDir: child.dir, Size: int64(len(child.data))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat returns metadata for a path.
func (fs *FS) Stat(path string) (*Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	n, ok := fs.lookup(segs)
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: "stat", Path: joinPath(segs)}
	}
	return &Info{
		Path:    joinPath(segs),
		Size:    int64(len(n.data)),
		IsDir:   n.dir,
		ModTime: n.modTime,
	}, nil
}

// Unlink removes a file. Directories cannot be unlinked.
func (fs *FS) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs := Normalize(path)
	if len(segs) == 0 {
		return &Error{Kind: ErrIsADirectory, Op: "unlink", Path: "/"}
	}
	if fs.modeFor(segs) != ReadWrite {
		return &Error{Kind: ErrReadOnly, Op: "unlink", Path: joinPath(segs)}
	}
	parent, ok := fs.lookup(segs[:len(segs)-1])
	if !ok || !parent.dir {
		return &Error{Kind: ErrNotFound, Op: "unlink", Path: joinPath(segs)}
	}
	name := segs[len(segs)-1]
	n, ok := parent.children[name]
	if !ok {
		return &Error{Kind: ErrNotFound, Op: "unlink", Path: joinPath(segs)}
	}
	if n.dir {
		return &Error{Kind: ErrIsADirectory, Op: "unlink", Path: joinPath(segs)}
	}
	delete(parent.children, name)
	return nil
}
