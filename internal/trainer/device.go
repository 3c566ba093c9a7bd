package trainer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device identifies a compute context.
type Device struct {
	Type string
	ID   int
}

// CPU returns the host CPU device with the given id.
func CPU(id int) Device {
	return Device{Type: "cpu", ID: id}
}

// DefaultDevices is the device list used when none is configured.
func DefaultDevices() []Device {
	return []Device{CPU(0)}
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%d)", d.Type, d.ID)
}

// Describe adds host details to the device name.
func (d Device) Describe() string {
	if d.Type != "cpu" {
		return d.String()
	}
	brand := strings.TrimSpace(cpuid.CPU.BrandName)
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s [%s, %d cores, %d threads]", d, brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
}

// ParseDevices parses a comma separated list such as "cpu:0,cpu:1". A bare
// type means id 0.
func ParseDevices(s string) ([]Device, error) {
	var devices []Device
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, idStr, found := strings.Cut(part, ":")
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ != "cpu" && typ != "gpu" {
			return nil, fmt.Errorf("device %q: unknown type %q", part, typ)
		}
		id := 0
		if found {
			v, err := strconv.Atoi(strings.TrimSpace(idStr))
			if err != nil || v < 0 {
				return nil, fmt.Errorf("device %q: invalid id", part)
			}
			id = v
		}
		devices = append(devices, Device{Type: typ, ID: id})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices in %q", s)
	}
	return devices, nil
}
