// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfuemu

import (
	"fmt"
	"io"

	"github.com/emberfield/dfutool/pkg/dfu"
	"github.com/emberfield/dfutool/pkg/dfubridge"
)

// Emulator binds a validated profile to a responder and serves host
// sessions over bridge-framed streams.
type Emulator struct {
	profile   *Profile
	backend   dfu.MemoryBackend
	responder *dfu.Responder
}

// New builds an emulator from a profile. The profile must have passed
// Validate.
func New(p *Profile) (*Emulator, error) {
	d := &p.Device

	var backend dfu.MemoryBackend
	switch d.Storage.Type {
	case "", "ram":
		backend = NewRAMBackend(d.Storage.Capacity, d.Faults)
	case "file":
		backend = NewFileBackend(d.Storage.Path, d.Faults)
	default:
		return nil, fmt.Errorf("device %q: unknown storage type %q", d.Name, d.Storage.Type)
	}

	responder := dfu.NewResponder(dfu.ResponderConfig{
		Descriptor:      d.Descriptor(),
		Backend:         backend,
		ProgramLatency:  d.programLatency(),
		ManifestLatency: d.manifestLatency(),
		StartInAppMode:  d.StartInAppMode,
	})

	return &Emulator{profile: p, backend: backend, responder: responder}, nil
}

// Name returns the profile's device name.
func (e *Emulator) Name() string { return e.profile.Device.Name }

// Responder exposes the device-side driver, mainly for tests and for
// in-process loopback sessions.
func (e *Emulator) Responder() *dfu.Responder { return e.responder }

// Backend exposes the firmware store behind the responder.
func (e *Emulator) Backend() dfu.MemoryBackend { return e.backend }

// ServeConn answers one host session on the stream. It returns when the
// stream ends or the emulated device resets off the bus.
func (e *Emulator) ServeConn(conn io.ReadWriteCloser) error {
	return dfubridge.Serve(conn, e.responder)
}
