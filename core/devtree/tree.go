// Package devtree parses the boot-time configuration source: a flattened
// device tree, represented here as YAML rather than a binary FDT blob
// (spec.md §6 "Device tree"). The schema is interpreted exactly as
// specified; unrecognized keys are ignored rather than rejected.
package devtree

// Tree is the root of the parsed configuration.
type Tree struct {
	Chosen Chosen                 `yaml:"chosen"`
	Memory []MemoryRegion         `yaml:"memory"`
	Guests map[string]GuestNode   `yaml:"guests"`
}

// Chosen is /chosen.
type Chosen struct {
	Console string `yaml:"console"`
}

// MemoryRegion is one /memory physical_addr/physical_size pair.
type MemoryRegion struct {
	PhysicalAddr uint64 `yaml:"physical_addr"`
	PhysicalSize uint64 `yaml:"physical_size"`
}

// GuestNode is /guests/<name>.
type GuestNode struct {
	VCPUs  map[string]VCPUNode   `yaml:"vcpus"`
	Aspace map[string]RegionNode `yaml:"aspace"`
}

// VCPUNode is /guests/<name>/vcpus/<name>.
type VCPUNode struct {
	StartPC    uint64 `yaml:"start_pc"`
	StartSP    uint64 `yaml:"start_sp"`
	Priority   int    `yaml:"priority"`
	TimeSliceNS uint64 `yaml:"time_slice"`
}

// RegionNode is one child of /guests/<name>/aspace.
type RegionNode struct {
	ManifestType    string `yaml:"manifest_type"` // "real" | "virtual"
	AddressType     string `yaml:"address_type"`   // "memory" | "io"
	DeviceType      string `yaml:"device_type"`    // "ram" | "rom" | "device"
	GuestPhysAddr   uint64 `yaml:"guest_physical_addr"`
	HostPhysAddr    uint64 `yaml:"host_physical_addr"`
	PhysicalSize    uint64 `yaml:"physical_size"`
	ReadOnly        bool   `yaml:"readonly"`
	Cacheable       bool   `yaml:"cacheable"`
	Bufferable      bool   `yaml:"bufferable"`

	// Emulator and EmulatorConfig are not part of the original FDT
	// schema spec.md §6 describes, but the schema explicitly says
	// unknown attributes are ignored — this is the one a virtual
	// region needs to resolve which emulator instance serves it.
	Emulator       string         `yaml:"emulator"`
	EmulatorConfig map[string]any `yaml:"emulator_config"`
}
