// Package infra implements infrastructure concerns (scoped access,
// audit recording, resource probing, subprocess execution).
package infra

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// bookmarkPayload is the decoded form of a bookmark blob. The device
// and inode pair pins the identity of the target: if the path later
// points at a different file, the bookmark is stale.
type bookmarkPayload struct {
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	Device    uint64 `json:"device"`
	Inode     uint64 `json:"inode"`
	CreatedAt int64  `json:"created_at"`
}

// CreateBookmark captures an opaque bookmark blob for path. Fails if
// the target does not exist or its identity cannot be read.
func CreateBookmark(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("%w: no file identity available", domain.ErrBookmarkInvalid)
	}

	payload := bookmarkPayload{
		Path:      path,
		IsDir:     fi.IsDir(),
		Device:    uint64(st.Dev),
		Inode:     uint64(st.Ino),
		CreatedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	return []byte(base64.StdEncoding.EncodeToString(data)), nil
}

// resolveBookmark decodes and verifies a bookmark blob. A target whose
// device/inode changed since creation yields ErrBookmarkStale; an
// undecodable blob or missing target yields ErrBookmarkInvalid.
func resolveBookmark(data []byte) (bookmarkPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return bookmarkPayload{}, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	var payload bookmarkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return bookmarkPayload{}, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	if payload.Path == "" {
		return bookmarkPayload{}, fmt.Errorf("%w: empty path", domain.ErrBookmarkInvalid)
	}

	fi, err := os.Stat(payload.Path)
	if err != nil {
		return bookmarkPayload{}, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return bookmarkPayload{}, fmt.Errorf("%w: no file identity available", domain.ErrBookmarkInvalid)
	}
	if uint64(st.Dev) != payload.Device || uint64(st.Ino) != payload.Inode {
		return bookmarkPayload{}, fmt.Errorf("%w: %s", domain.ErrBookmarkStale, payload.Path)
	}
	return payload, nil
}

// AccessRegistry tracks every started scope in the process so callers
// (and tests) can assert that no access outlives its operation.
type AccessRegistry struct {
	mu     sync.Mutex
	active map[string]int
}

// NewAccessRegistry creates an empty registry.
func NewAccessRegistry() *AccessRegistry {
	return &AccessRegistry{active: make(map[string]int)}
}

func (r *AccessRegistry) add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[path]++
}

func (r *AccessRegistry) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[path] <= 1 {
		delete(r.active, path)
	} else {
		r.active[path]--
	}
}

// ActiveCount returns the number of paths with started access.
func (r *AccessRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ScopedAccess is a short-lived claim on one filesystem location.
// Created per operation and released on every exit path.
type ScopedAccess struct {
	path        string
	isDirectory bool

	mu        sync.Mutex
	accessing bool
	registry  *AccessRegistry
}

// NewScopedAccess creates a scope for path. Fails if the target does
// not exist or cannot be bookmarked.
func NewScopedAccess(path string, registry *AccessRegistry) (*ScopedAccess, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBookmarkInvalid, err)
	}
	return &ScopedAccess{
		path:        path,
		isDirectory: fi.IsDir(),
		registry:    registry,
	}, nil
}

// Path returns the resolved filesystem path.
func (a *ScopedAccess) Path() string {
	return a.path
}

// IsDirectory reports whether the target was a directory at creation.
func (a *ScopedAccess) IsDirectory() bool {
	return a.isDirectory
}

// StartAccessing begins access. Idempotent: a second call on an
// already-accessing scope does not double-register. If the underlying
// check fails the scope is left not accessing.
func (a *ScopedAccess) StartAccessing() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessing {
		return nil
	}

	// Access may have been revoked or the target moved since creation.
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAccessDenied, err)
	}
	_ = f.Close()

	a.accessing = true
	if a.registry != nil {
		a.registry.add(a.path)
	}
	return nil
}

// StopAccessing ends access. Idempotent and always safe to call,
// including on a scope that never started.
func (a *ScopedAccess) StopAccessing() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.accessing {
		return
	}
	a.accessing = false
	if a.registry != nil {
		a.registry.remove(a.path)
	}
}

// IsAccessing reports whether access is currently started.
func (a *ScopedAccess) IsAccessing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessing
}

// Bookmark serialises the scope for cross-process transfer.
func (a *ScopedAccess) Bookmark() ([]byte, error) {
	return CreateBookmark(a.path)
}

// ScopeResolverImpl implements domain.ScopeResolver backed by an
// access registry.
type ScopeResolverImpl struct {
	registry *AccessRegistry
}

// NewScopeResolver creates a resolver whose scopes register in registry.
func NewScopeResolver(registry *AccessRegistry) *ScopeResolverImpl {
	return &ScopeResolverImpl{registry: registry}
}

// FromBookmark resolves a bookmark blob into a scope. Encoding then
// decoding reproduces an equal scope (same path, same directory flag).
func (r *ScopeResolverImpl) FromBookmark(data []byte) (domain.Scope, error) {
	payload, err := resolveBookmark(data)
	if err != nil {
		return nil, err
	}
	return &ScopedAccess{
		path:        payload.Path,
		isDirectory: payload.IsDir,
		registry:    r.registry,
	}, nil
}

// Registry returns the registry shared by all resolved scopes.
func (r *ScopeResolverImpl) Registry() *AccessRegistry {
	return r.registry
}

// Ensure ScopedAccess and ScopeResolverImpl implement the domain interfaces.
var _ domain.Scope = (*ScopedAccess)(nil)
var _ domain.ScopeResolver = (*ScopeResolverImpl)(nil)
