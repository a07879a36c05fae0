// Package blockdev is the block device registry: like chardev, the core's
// contract with block storage is this list — the drivers and the
// filesystem wrappers on top of it are explicitly out of scope (spec.md
// §1 Non-goals).
package blockdev

import (
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// Device is a block device: ReadBlocks/WriteBlocks address by logical
// block number, not byte offset.
type Device interface {
	Name() string
	BlockSize() int
	NumBlocks() uint64
	ReadBlocks(lba uint64, buf []byte) error
	WriteBlocks(lba uint64, buf []byte) error
}

// Registry is the process-wide block device list.
type Registry struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: map[string]Device{}}
}

// Register adds dev under its own Name().
func (r *Registry) Register(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[dev.Name()]; exists {
		return hverr.New(hverr.INVALID, "block device %q already registered", dev.Name())
	}
	r.devices[dev.Name()] = dev
	return nil
}

// Find resolves a device by name.
func (r *Registry) Find(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, hverr.New(hverr.NotAvailable, "no block device named %q", name)
	}
	return d, nil
}
