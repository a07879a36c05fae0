// Package vserial is the virtual serial port list: the bridge between an
// emulated UART's guest-facing side (core/devemu/builtin.UART16550) and a
// host-facing io.Reader/Writer, kept as a named registry the way the
// core's other device lists (chardev, blockdev) are kept (spec.md §6).
package vserial

import (
	"io"
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// Port pairs a name with the host-side stream backing an emulated serial
// device.
type Port struct {
	Name string
	io.Reader
	io.Writer
}

// Registry is the process-wide virtual serial port list.
type Registry struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{ports: map[string]*Port{}}
}

// Register adds a port under its own Name.
func (r *Registry) Register(p *Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[p.Name]; exists {
		return hverr.New(hverr.INVALID, "vserial port %q already registered", p.Name)
	}
	r.ports[p.Name] = p
	return nil
}

// Find resolves a port by name.
func (r *Registry) Find(name string) (*Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[name]
	if !ok {
		return nil, hverr.New(hverr.NotAvailable, "no vserial port named %q", name)
	}
	return p, nil
}
