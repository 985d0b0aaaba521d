// Package vmconfig loads guest VM descriptions from TOML.
package vmconfig

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/driver"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

// VMConfig is one guest VM description.
type VMConfig struct {
	ID     uint64 `toml:"id"`
	Name   string `toml:"name"`
	VMType uint64 `toml:"vm_type"`
	CPUSet uint64 `toml:"cpu_set"`

	EntryPoint uint64 `toml:"entry_point"`

	BiosPath     string `toml:"bios_path"`
	BiosLoadAddr uint64 `toml:"bios_load_addr"`

	KernelPath     string `toml:"kernel_path"`
	KernelLoadAddr uint64 `toml:"kernel_load_addr"`

	RamdiskPath     string `toml:"ramdisk_path"`      // optional
	RamdiskLoadAddr uint64 `toml:"ramdisk_load_addr"` // optional

	DiskPath string `toml:"disk_path"` // optional

	MemoryRegions []MemoryRegion `toml:"memory_regions"`
}

// MemoryRegion is one guest physical memory region.
type MemoryRegion struct {
	GPA   uint64 `toml:"gpa"`
	Size  uint64 `toml:"size"`
	Flags uint64 `toml:"flags"`
}

// Load reads and validates the config at path. The raw text is returned too:
// the driver receives it verbatim.
func Load(path string) (*VMConfig, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(errdefs.ErrInvalidInput, "read vm config %s: %v", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", errors.Wrapf(err, "vm config %s", path)
	}
	return cfg, string(data), nil
}

// Parse decodes and validates a TOML VM config.
func Parse(data []byte) (*VMConfig, error) {
	cfg := &VMConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the driver cannot do without.
func (c *VMConfig) Validate() error {
	if c.BiosPath == "" {
		return errors.Wrap(errdefs.ErrInvalidInput, "bios_path is required")
	}
	if c.KernelPath == "" {
		return errors.Wrap(errdefs.ErrInvalidInput, "kernel_path is required")
	}
	for i, r := range c.MemoryRegions {
		if r.Size == 0 {
			return errors.Wrapf(errdefs.ErrInvalidInput, "memory_regions[%d]: size is zero", i)
		}
	}
	return nil
}

// Images reads the image files named by c into a driver request.
func (c *VMConfig) Images(raw string) (driver.Images, error) {
	img := driver.Images{
		ID:        c.ID,
		CPUSet:    c.CPUSet,
		DiskPath:  c.DiskPath,
		RawConfig: raw,
	}
	var err error
	if img.Bios, err = readImage("bios", c.BiosPath); err != nil {
		return img, err
	}
	if img.Kernel, err = readImage("kernel", c.KernelPath); err != nil {
		return img, err
	}
	if c.RamdiskPath != "" {
		if img.Ramdisk, err = readImage("ramdisk", c.RamdiskPath); err != nil {
			return img, err
		}
	}
	return img, nil
}

func readImage(kind, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidInput, "read %s image: %v", kind, err)
	}
	return b, nil
}
