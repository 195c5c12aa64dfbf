// Package device resolves the configured device id to a compute device.
package device

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// ErrUnknownDevice is returned for ids that do not name an available device.
var ErrUnknownDevice = errors.New("device: unknown device id")

// Device describes the host compute device training runs on.
type Device struct {
	ID       int
	Brand    string
	Cores    int
	Threads  int
	HasAVX2  bool
	HasFMA3  bool
	MaxProcs int
}

// Count reports how many devices are addressable. The pure-Go backend exposes
// the host CPU as a single device.
func Count() int { return 1 }

// Select returns the device with the given id.
func Select(id int) (Device, error) {
	if id < 0 || id >= Count() {
		return Device{}, fmt.Errorf("%w: %d (available: %d)", ErrUnknownDevice, id, Count())
	}
	return Device{
		ID:       id,
		Brand:    cpuid.CPU.BrandName,
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		HasAVX2:  cpuid.CPU.Supports(cpuid.AVX2),
		HasFMA3:  cpuid.CPU.Supports(cpuid.FMA3),
		MaxProcs: runtime.GOMAXPROCS(0),
	}, nil
}

func (d Device) String() string {
	brand := d.Brand
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("cpu:%d %s cores=%d threads=%d avx2=%t fma3=%t gomaxprocs=%d",
		d.ID, brand, d.Cores, d.Threads, d.HasAVX2, d.HasFMA3, d.MaxProcs)
}
