// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

// Event is an input to the DFU state machine: a class request qualified by
// its payload (a DNLOAD with data is a different event than the zero-length
// terminator), or one of the out-of-band events the protocol defines (bus
// reset, poll interval elapsing, manifestation completing).
type Event uint8

const (
	EvDetach Event = iota
	EvDnloadData  // DNLOAD, wLength > 0
	EvDnloadZero  // DNLOAD, wLength == 0 (transfer terminator)
	EvUpload      // UPLOAD answered with a full block
	EvUploadShort // UPLOAD answered with a short or empty block
	EvGetStatus
	EvClrStatus
	EvGetState
	EvAbort
	EvBusReset      // USB reset observed on the bus
	EvDetachTimeout // wDetachTimeOut elapsed without a reset
	EvPollElapsed   // advertised poll interval elapsed, block committed
	EvManifestOK    // manifestation phase completed successfully
	EvManifestFail  // manifestation phase failed
)

var eventNames = map[Event]string{
	EvDetach:        "DETACH",
	EvDnloadData:    "DNLOAD(data)",
	EvDnloadZero:    "DNLOAD(zero)",
	EvUpload:        "UPLOAD",
	EvUploadShort:   "UPLOAD(short)",
	EvGetStatus:     "GETSTATUS",
	EvClrStatus:     "CLRSTATUS",
	EvGetState:      "GETSTATE",
	EvAbort:         "ABORT",
	EvBusReset:      "BUS-RESET",
	EvDetachTimeout: "DETACH-TIMEOUT",
	EvPollElapsed:   "POLL-ELAPSED",
	EvManifestOK:    "MANIFEST-OK",
	EvManifestFail:  "MANIFEST-FAIL",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "UNKNOWN"
}

// Machine is the DFU interface state machine. It tracks the current state
// and validates requested transitions against the protocol's transition
// table. It holds no transport or storage concerns; the Responder drives it
// from decoded requests, the tests drive it directly.
//
// The machine is not reentrant: the protocol allows a single outstanding
// exchange per device, so callers serialize access by construction.
type Machine struct {
	attrs        Attributes
	state        State
	writePending bool
}

// NewMachine creates a state machine with the given capability set, starting
// in the given state (StateAppIdle for run-time mode, StateDfuIdle for a
// device already in DFU mode).
func NewMachine(attrs Attributes, initial State) *Machine {
	return &Machine{attrs: attrs, state: initial}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attributes returns the capability set the machine was built with.
func (m *Machine) Attributes() Attributes { return m.attrs }

// SetWritePending marks whether a received block is still waiting to be
// committed by the backend. It gates the DNLOAD-SYNC → DNBUSY transition.
func (m *Machine) SetWritePending(pending bool) { m.writePending = pending }

// WritePending reports whether a block commit is outstanding.
func (m *Machine) WritePending() bool { return m.writePending }

// Fault forces the machine into dfuERROR. Used by the responder when a guard
// or backend operation fails.
func (m *Machine) Fault() { m.state = StateDfuError }

type guard func(*Machine) bool

func guardWillDetach(m *Machine) bool   { return m.attrs.WillDetach() }
func guardCanDownload(m *Machine) bool  { return m.attrs.CanDownload() }
func guardCanUpload(m *Machine) bool    { return m.attrs.CanUpload() }
func guardTolerant(m *Machine) bool     { return m.attrs.ManifestationTolerant() }
func guardWritePending(m *Machine) bool { return m.writePending }

// rule is one row of the transition table. Rows for the same (from, event)
// pair are tried in order; the first row whose guard passes wins. A nil
// guard always passes.
type rule struct {
	from  State
	event Event
	check guard
	to    State
}

// The transition table. Any (state, event) pair without a row stalls: the
// event is rejected and the state is unchanged. A pair with rows whose
// guards all fail is an invalid transition and faults the machine.
var rules = []rule{
	// Run-time mode
	{StateAppIdle, EvDetach, guardWillDetach, StateAppDetach},
	{StateAppIdle, EvGetStatus, nil, StateAppIdle},
	{StateAppIdle, EvGetState, nil, StateAppIdle},
	{StateAppDetach, EvBusReset, nil, StateDfuIdle},
	{StateAppDetach, EvDetachTimeout, nil, StateAppIdle},
	{StateAppDetach, EvGetStatus, nil, StateAppDetach},
	{StateAppDetach, EvGetState, nil, StateAppDetach},

	// Download sequencing
	{StateDfuIdle, EvDnloadData, guardCanDownload, StateDfuDnloadSync},
	{StateDfuIdle, EvUpload, guardCanUpload, StateDfuUploadIdle},
	{StateDfuIdle, EvUploadShort, guardCanUpload, StateDfuIdle},
	{StateDfuIdle, EvGetStatus, nil, StateDfuIdle},
	{StateDfuIdle, EvGetState, nil, StateDfuIdle},
	{StateDfuIdle, EvAbort, nil, StateDfuIdle},
	{StateDfuDnloadSync, EvGetStatus, guardWritePending, StateDfuDnbusy},
	{StateDfuDnloadSync, EvGetStatus, nil, StateDfuDnloadIdle},
	{StateDfuDnloadSync, EvGetState, nil, StateDfuDnloadSync},
	{StateDfuDnloadSync, EvAbort, nil, StateDfuIdle},
	{StateDfuDnbusy, EvPollElapsed, nil, StateDfuDnloadIdle},
	{StateDfuDnbusy, EvAbort, nil, StateDfuIdle},
	{StateDfuDnloadIdle, EvDnloadData, nil, StateDfuDnloadSync},
	{StateDfuDnloadIdle, EvDnloadZero, nil, StateDfuManifestSync},
	{StateDfuDnloadIdle, EvGetStatus, nil, StateDfuDnloadIdle},
	{StateDfuDnloadIdle, EvGetState, nil, StateDfuDnloadIdle},
	{StateDfuDnloadIdle, EvAbort, nil, StateDfuIdle},

	// Manifestation
	{StateDfuManifestSync, EvGetStatus, guardTolerant, StateDfuIdle},
	{StateDfuManifestSync, EvGetStatus, nil, StateDfuManifest},
	{StateDfuManifestSync, EvGetState, nil, StateDfuManifestSync},
	{StateDfuManifestSync, EvAbort, nil, StateDfuIdle},
	{StateDfuManifest, EvManifestOK, guardTolerant, StateDfuIdle},
	{StateDfuManifest, EvManifestOK, nil, StateDfuManifestWaitReset},
	{StateDfuManifest, EvManifestFail, nil, StateDfuError},
	{StateDfuManifestWaitReset, EvBusReset, nil, StateDfuIdle},

	// Upload sequencing
	{StateDfuUploadIdle, EvUpload, nil, StateDfuUploadIdle},
	{StateDfuUploadIdle, EvUploadShort, nil, StateDfuIdle},
	{StateDfuUploadIdle, EvGetStatus, nil, StateDfuUploadIdle},
	{StateDfuUploadIdle, EvGetState, nil, StateDfuUploadIdle},
	{StateDfuUploadIdle, EvAbort, nil, StateDfuIdle},

	// Error recovery. GETSTATUS/GETSTATE remain answerable in dfuERROR so
	// the host can read the error code before clearing it; every
	// state-changing request stalls until CLRSTATUS.
	{StateDfuError, EvClrStatus, nil, StateDfuIdle},
	{StateDfuError, EvGetStatus, nil, StateDfuError},
	{StateDfuError, EvGetState, nil, StateDfuError},
}

// Apply drives the machine with one event. On success the new (possibly
// unchanged) state is returned. A pair outside the table returns ErrStalled
// and leaves the state untouched; a pair whose guards all fail returns
// ErrInvalidTransition, also without a transition; the caller decides
// whether to fault the machine.
func (m *Machine) Apply(ev Event) (State, error) {
	listed := false
	for _, r := range rules {
		if r.from != m.state || r.event != ev {
			continue
		}
		listed = true
		if r.check != nil && !r.check(m) {
			continue
		}
		m.state = r.to
		return m.state, nil
	}
	if listed {
		return m.state, ErrInvalidTransition
	}
	return m.state, ErrStalled
}
