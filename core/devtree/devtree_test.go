package devtree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corehv/corehv/core/devtree"
	"github.com/corehv/corehv/core/guestaspace"
)

const sample = `
chosen:
  console: uart0

memory:
  - physical_addr: 0x80000000
    physical_size: 0x10000000

guests:
  guest0:
    vcpus:
      vcpu0:
        start_pc: 0x80100000
        start_sp: 0x80200000
        priority: 1
        time_slice: 5000000
    aspace:
      ram:
        manifest_type: real
        address_type: memory
        device_type: ram
        guest_physical_addr: 0x0
        host_physical_addr: 0x80000000
        physical_size: 0x1000000
      uart:
        manifest_type: virtual
        address_type: io
        device_type: device
        guest_physical_addr: 0x10000000
        physical_size: 0x1000
        emulator: uart16550
`

func TestParseAndConvert(t *testing.T) {
	tree, err := devtree.Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "uart0", tree.Console())
	require.Len(t, tree.Memory, 1)
	assert.EqualValues(t, 0x10000000, tree.Memory[0].PhysicalSize)

	specs, err := tree.GuestSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 1)

	g := specs[0]
	assert.Equal(t, "guest0", g.Name)
	require.Len(t, g.VCPUs, 1)
	require.Len(t, g.Regions, 2)
	assert.EqualValues(t, 0x80100000, g.VCPUs[0].StartPC)

	var foundRAM, foundUART bool
	for _, r := range g.Regions {
		switch r.Name {
		case "ram":
			foundRAM = r.Kind == guestaspace.RegionRAM && !r.Virtual && r.HostPhysAddr == 0x80000000
		case "uart":
			foundUART = r.Kind == guestaspace.RegionIO && r.Virtual && r.EmulatorName == "uart16550"
		}
	}
	assert.True(t, foundRAM, "expected a RAM region named ram")
	assert.True(t, foundUART, "expected a virtual uart region named uart")
}
