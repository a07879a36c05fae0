// Package stdio resolves /chosen/console (spec.md §6) against the
// character device registry and exposes it as the hypervisor's default
// input/output stream. It is step "stdio" in the boot sequence (spec.md
// §6 "Boot sequence").
package stdio

import (
	"sync"

	"github.com/corehv/corehv/core/chardev"
	"github.com/corehv/corehv/core/hverr"
)

var (
	mu      sync.Mutex
	console chardev.Device
)

// Bind resolves name in reg and installs it as the default console.
// Called once at boot with /chosen/console's value.
func Bind(reg *chardev.Registry, name string) error {
	dev, err := reg.Find(name)
	if err != nil {
		return hverr.New(hverr.FAIL, "stdio: %v", err)
	}
	mu.Lock()
	console = dev
	mu.Unlock()
	return nil
}

// Write writes to the bound console device.
func Write(buf []byte) (int, error) {
	mu.Lock()
	dev := console
	mu.Unlock()
	if dev == nil {
		return 0, hverr.New(hverr.NotAvailable, "stdio: no console bound")
	}
	return dev.Write(buf)
}

// Read reads from the bound console device.
func Read(buf []byte) (int, error) {
	mu.Lock()
	dev := console
	mu.Unlock()
	if dev == nil {
		return 0, hverr.New(hverr.NotAvailable, "stdio: no console bound")
	}
	return dev.Read(buf)
}
