package spanz

import "sync"

const registryCapacity = 1000

// Registry interns span names into dense ids assigned in first-seen order.
// It never shrinks. Safe for concurrent use by multiple goroutines.
type Registry struct {
	ids   map[string]uint32
	names []string
	mu    sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:   make(map[string]uint32, registryCapacity),
		names: make([]string, 0, registryCapacity),
	}
}

// Intern returns the id of name, assigning the next id if it is new.
// Names containing a wire delimiter are refused and reported with false,
// so the name table always encodes.
func (r *Registry) Intern(name string) (uint32, bool) {
	if !ValidToken(name) {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[name]; ok {
		return id, true
	}
	id := uint32(len(r.names))
	r.names = append(r.names, name)
	r.ids[name] = id
	return id, true
}

// Lookup returns the name registered under id.
func (r *Registry) Lookup(id uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id) >= len(r.names) {
		return "", false
	}
	return r.names[id], true
}

// Names returns the id-ordered name table as of the call.
// Registered names are never rewritten, so the capped view needs no copy.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[:len(r.names):len(r.names)]
}

// Len returns the number of interned names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}
