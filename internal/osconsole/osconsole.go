// Package osconsole adapts the process's own stdin/stdout to
// core/chardev.Device, so a device tree's /chosen/console can legally
// resolve to something real during boot instead of only ever being
// exercised by a test double.
package osconsole

import "os"

// Console is stdin/stdout registered under a fixed name.
type Console struct {
	name string
}

// New builds a Console registered under name (matched against
// /chosen/console).
func New(name string) *Console { return &Console{name: name} }

func (c *Console) Name() string { return c.name }

func (c *Console) Read(buf []byte) (int, error)  { return os.Stdin.Read(buf) }
func (c *Console) Write(buf []byte) (int, error) { return os.Stdout.Write(buf) }
