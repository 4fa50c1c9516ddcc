package plugin

import (
	"github.com/buntime/buntime/errors"
)

// serviceEntry is one named capability. Lazy entries are resolved and
// memoized on first lookup.
type serviceEntry struct {
	owner    string
	value    interface{}
	lazy     LazyService
	resolved bool
}

func (r *Registry) registerService(owner, name string, impl interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerServiceLocked(owner, name, impl)
}

func (r *Registry) registerServiceLocked(owner, name string, impl interface{}) error {
	if name == "" {
		return errors.Newf("plugin %q registered a service with no name", owner)
	}
	if existing, taken := r.services[name]; taken {
		return errors.Newf("service %q already registered by plugin %q", name, existing.owner)
	}

	entry := &serviceEntry{owner: owner}
	if lazy, ok := impl.(LazyService); ok {
		entry.lazy = lazy
	} else {
		entry.value = impl
		entry.resolved = true
	}
	r.services[name] = entry
	return nil
}

// GetService resolves a named service. Lazy services are constructed on
// first access; a cycle between lazy services is an error rather than a
// deadlock.
func (r *Registry) GetService(name string) (interface{}, error) {
	r.mu.Lock()
	entry, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Newf("service %q is not registered", name)
	}
	if entry.resolved {
		value := entry.value
		r.mu.Unlock()
		return value, nil
	}
	if r.resolving[name] {
		r.mu.Unlock()
		return nil, errors.Newf("service %q has a cyclic dependency", name)
	}
	r.resolving[name] = true
	lazy := entry.lazy
	r.mu.Unlock()

	// Constructed outside the lock so the constructor may call
	// GetService itself; the resolving set catches cycles.
	value, err := lazy()

	r.mu.Lock()
	delete(r.resolving, name)
	if err == nil {
		entry.value = value
		entry.resolved = true
	}
	r.mu.Unlock()

	if err != nil {
		return nil, errors.Wrapf(err, "service %q failed to construct", name)
	}
	return value, nil
}

// ServiceNames lists registered services, for the admin API
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
