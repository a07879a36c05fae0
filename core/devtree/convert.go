package devtree

import (
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
	"github.com/corehv/corehv/core/manager"
)

// Console returns /chosen/console, the name of the default stdio device.
func (t *Tree) Console() string { return t.Chosen.Console }

// GuestSpecs walks every /guests/<name> node into a manager.GuestSpec,
// per spec.md §6: only aspace children with a recognized manifest/address
// type and a valid (guest_physical_addr, physical_size) pair become
// regions.
func (t *Tree) GuestSpecs() ([]manager.GuestSpec, error) {
	specs := make([]manager.GuestSpec, 0, len(t.Guests))
	for name, g := range t.Guests {
		spec := manager.GuestSpec{Name: name}

		for vname, v := range g.VCPUs {
			spec.VCPUs = append(spec.VCPUs, manager.VCPUSpec{
				Name:        vname,
				Priority:    v.Priority,
				TimeSliceNS: v.TimeSliceNS,
				StartPC:     v.StartPC,
				StartSP:     v.StartSP,
			})
		}

		for rname, r := range g.Aspace {
			region, ok, err := convertRegion(rname, r)
			if err != nil {
				return nil, hverr.New(hverr.INVALID, "guest %q region %q: %v", name, rname, err)
			}
			if ok {
				spec.Regions = append(spec.Regions, region)
			}
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

func convertRegion(name string, r RegionNode) (guestaspace.RegionSpec, bool, error) {
	var virtual bool
	switch r.ManifestType {
	case "real":
		virtual = false
	case "virtual":
		virtual = true
	default:
		return guestaspace.RegionSpec{}, false, nil
	}

	switch r.AddressType {
	case "memory", "io":
	default:
		return guestaspace.RegionSpec{}, false, nil
	}

	if r.PhysicalSize == 0 {
		return guestaspace.RegionSpec{}, false, nil
	}

	var kind guestaspace.RegionKind
	switch r.DeviceType {
	case "ram":
		kind = guestaspace.RegionRAM
	case "rom":
		kind = guestaspace.RegionROM
	case "device":
		kind = guestaspace.RegionIO
	default:
		kind = guestaspace.RegionIO
	}

	hostAddr := r.HostPhysAddr
	if virtual {
		// Virtual regions carry no RAM reservation; their "host address"
		// is unused by the address space (routed to the emulator
		// instead), but is set to the guest address for diagnostics.
		hostAddr = r.GuestPhysAddr
	} else if r.HostPhysAddr == 0 && r.GuestPhysAddr != 0 {
		return guestaspace.RegionSpec{}, false, hverr.New(hverr.INVALID, "real region requires host_physical_addr")
	}

	return guestaspace.RegionSpec{
		Name:           name,
		GuestPhysAddr:  r.GuestPhysAddr,
		HostPhysAddr:   hostAddr,
		Size:           r.PhysicalSize,
		Kind:           kind,
		Virtual:        virtual,
		ReadOnly:       r.ReadOnly,
		Cacheable:      r.Cacheable,
		Bufferable:     r.Bufferable,
		EmulatorName:   r.Emulator,
		EmulatorConfig: r.EmulatorConfig,
	}, true, nil
}
