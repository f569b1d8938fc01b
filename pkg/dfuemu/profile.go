// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

// Package dfuemu emulates a firmware-update device: a YAML profile describes
// the device's capabilities and storage, and the emulator answers a real
// host session through the bridge framing.
package dfuemu

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emberfield/dfutool/pkg/dfu"
)

// Profile is the on-disk description of one emulated device.
type Profile struct {
	Device DeviceConfig `yaml:"device"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name string `yaml:"name"`

	// Capability bits advertised in the functional descriptor.
	CanDownload           bool `yaml:"can_download"`
	CanUpload             bool `yaml:"can_upload"`
	ManifestationTolerant bool `yaml:"manifestation_tolerant"`
	WillDetach            bool `yaml:"will_detach"`

	TransferSize    uint16 `yaml:"transfer_size"`
	DetachTimeoutMs uint16 `yaml:"detach_timeout_ms"`

	// How long programming one block and manifesting the image take.
	ProgramLatencyMs  int `yaml:"program_latency_ms"`
	ManifestLatencyMs int `yaml:"manifest_latency_ms"`

	// StartInAppMode boots the emulated device into its application; the
	// host must DETACH before any transfer.
	StartInAppMode bool `yaml:"start_in_app_mode"`

	Storage StorageConfig `yaml:"storage"`
	Faults  FaultConfig   `yaml:"faults"`
}

// ---- STORAGE ----

type StorageConfig struct {
	Type     string `yaml:"type"` // "ram" or "file"
	Path     string `yaml:"path"` // file storage only
	Capacity int    `yaml:"capacity"`
}

// ---- FAULT INJECTION ----

type FaultConfig struct {
	// FailBlock makes the write of the given block index fail. Nil disables.
	FailBlock *uint16 `yaml:"fail_block"`

	// Fault names the failure kind: write, erase, program, verify, address,
	// firmware. Defaults to write.
	Fault string `yaml:"fault"`

	// FailCommit makes manifestation fail.
	FailCommit bool `yaml:"fail_commit"`
}

// LoadProfile reads and parses a profile file. The result is not yet
// validated.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile read failed: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile parse failed: %w", err)
	}
	return &p, nil
}

var faultKinds = map[string]dfu.BackendFault{
	"":         dfu.FaultWrite,
	"write":    dfu.FaultWrite,
	"erase":    dfu.FaultErase,
	"program":  dfu.FaultProgram,
	"verify":   dfu.FaultVerify,
	"address":  dfu.FaultAddress,
	"firmware": dfu.FaultFirmware,
}

// Validate checks profile correctness.
// It performs declarative validation only.
// It MUST NOT mutate the profile.
func Validate(p *Profile) error {
	d := &p.Device

	if d.TransferSize == 0 {
		return fmt.Errorf("device %q: transfer_size must be nonzero", d.Name)
	}
	if !d.CanDownload && !d.CanUpload {
		return fmt.Errorf("device %q: at least one of can_download/can_upload must be set", d.Name)
	}
	if d.ProgramLatencyMs < 0 || d.ManifestLatencyMs < 0 {
		return fmt.Errorf("device %q: latencies must not be negative", d.Name)
	}

	switch d.Storage.Type {
	case "", "ram":
		if d.Storage.Path != "" {
			return fmt.Errorf("device %q: ram storage takes no path", d.Name)
		}
	case "file":
		if d.Storage.Path == "" {
			return fmt.Errorf("device %q: file storage requires a path", d.Name)
		}
	default:
		return fmt.Errorf("device %q: unknown storage type %q", d.Name, d.Storage.Type)
	}
	if d.Storage.Capacity < 0 {
		return fmt.Errorf("device %q: capacity must not be negative", d.Name)
	}

	if _, ok := faultKinds[d.Faults.Fault]; !ok {
		return fmt.Errorf("device %q: unknown fault kind %q", d.Name, d.Faults.Fault)
	}

	return nil
}

// Attributes maps the capability booleans onto the descriptor bit set.
func (d *DeviceConfig) Attributes() dfu.Attributes {
	var a dfu.Attributes
	if d.CanDownload {
		a |= dfu.AttrCanDownload
	}
	if d.CanUpload {
		a |= dfu.AttrCanUpload
	}
	if d.ManifestationTolerant {
		a |= dfu.AttrManifestationTolerant
	}
	if d.WillDetach {
		a |= dfu.AttrWillDetach
	}
	return a
}

// Descriptor builds the functional descriptor the emulated device
// advertises.
func (d *DeviceConfig) Descriptor() dfu.FunctionalDescriptor {
	return dfu.FunctionalDescriptor{
		Attributes:    d.Attributes(),
		DetachTimeout: d.DetachTimeoutMs,
		TransferSize:  d.TransferSize,
		Version:       dfu.BCDVersion10,
		HasVersion:    true,
	}
}

func (d *DeviceConfig) programLatency() time.Duration {
	return time.Duration(d.ProgramLatencyMs) * time.Millisecond
}

func (d *DeviceConfig) manifestLatency() time.Duration {
	return time.Duration(d.ManifestLatencyMs) * time.Millisecond
}
