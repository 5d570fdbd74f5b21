package editor

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrScopeNotFound = errors.New("scope not found")

// Registry holds the open scopes. Exactly one of them may be active; the
// caller chooses it.
type Registry struct {
	mu     sync.Mutex
	scopes map[string]*Scope
	shown  map[string]bool
	active string
}

func NewRegistry() *Registry {
	return &Registry{
		scopes: make(map[string]*Scope),
		shown:  make(map[string]bool),
	}
}

func (r *Registry) Add(s *Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scopes[s.Name]; exists {
		return errors.Newf("scope %q already registered", s.Name)
	}
	r.scopes[s.Name] = s
	return nil
}

func (r *Registry) Get(name string) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[name]
	return s, ok
}

// Activate makes name the active scope. A scope shown before and hidden
// since merges its next edits into its last undo step, so switching back
// does not leave a step behind.
func (r *Registry) Activate(name string) (*Scope, error) {
	r.mu.Lock()
	s, ok := r.scopes[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrScopeNotFound, "scope %q", name)
	}
	reshown := r.active != name && r.shown[name]
	r.active = name
	r.shown[name] = true
	r.mu.Unlock()

	if reshown {
		s.Engine.MergeCapturing()
	}
	return s, nil
}

func (r *Registry) Active() (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return nil, false
	}
	s, ok := r.scopes[r.active]
	return s, ok
}

// Remove drops a scope without closing it.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, name)
	delete(r.shown, name)
	if r.active == name {
		r.active = ""
	}
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.scopes))
	for name := range r.scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every scope and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	scopes := r.scopes
	r.scopes = make(map[string]*Scope)
	r.shown = make(map[string]bool)
	r.active = ""
	r.mu.Unlock()

	var errs error
	for _, s := range scopes {
		errs = errors.CombineErrors(errs, s.Close())
	}
	return errs
}
