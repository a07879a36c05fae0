// Package chardev is the character-device registry: the core's contract
// with character device drivers is limited to this list (spec.md §6 names
// the driver implementations and their filesystem wrappers themselves as
// out of scope; the registry they hang off is not).
package chardev

import (
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// Device is anything a character device driver registers: Read/Write
// operate in bytes, not guest-physical addresses.
type Device interface {
	Name() string
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Registry is the process-wide character device list.
type Registry struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: map[string]Device{}}
}

// Register adds dev under its own Name(). Re-registering the same name is
// rejected.
func (r *Registry) Register(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[dev.Name()]; exists {
		return hverr.New(hverr.INVALID, "chardev %q already registered", dev.Name())
	}
	r.devices[dev.Name()] = dev
	return nil
}

// Unregister removes a device by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, name)
}

// Find resolves a device by name.
func (r *Registry) Find(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, hverr.New(hverr.NotAvailable, "no character device named %q", name)
	}
	return d, nil
}

// List returns every registered device name.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for name := range r.devices {
		out = append(out, name)
	}
	return out
}
