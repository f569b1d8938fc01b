// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"errors"
	"time"
)

// MemoryBackend is the firmware storage collaborator the responder commits
// to. Implementations map their failures onto BackendError faults; anything
// else is reported to the host as errUNKNOWN.
type MemoryBackend interface {
	WriteBlock(block uint16, data []byte) error
	ReadBlock(block uint16, maxLen int) ([]byte, error)
	CommitManifestation() error
}

// ResponderConfig configures a device-side driver.
type ResponderConfig struct {
	Descriptor FunctionalDescriptor
	Backend    MemoryBackend

	// ProgramLatency is how long committing one received block takes. While
	// it runs the responder reports dfuDNBUSY with a nonzero poll timeout.
	// Zero commits synchronously on the first GETSTATUS.
	ProgramLatency time.Duration

	// ManifestLatency is how long the manifestation phase takes for
	// non-manifestation-tolerant devices.
	ManifestLatency time.Duration

	// StartInAppMode starts the machine in appIDLE, modeling a device still
	// running its application. The default is dfuIDLE.
	StartInAppMode bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Responder is the device-side protocol driver. It dispatches decoded
// requests through the state machine, calls into the memory backend for
// DNLOAD/UPLOAD payloads, and computes the status snapshots the host polls.
//
// All backend calls are serialized behind the single current transfer
// session; the protocol forbids overlapping exchanges, so no locking is
// needed beyond that discipline.
type Responder struct {
	desc    FunctionalDescriptor
	backend MemoryBackend
	machine *Machine
	status  Status
	session *TransferSession
	stats   SessionStats

	pendingData  []byte
	pendingBlock uint16
	busyUntil    time.Time

	programLatency  time.Duration
	manifestLatency time.Duration
	awaitingReset   bool
	now             func() time.Time
}

// NewResponder builds a device-side driver.
func NewResponder(cfg ResponderConfig) *Responder {
	initial := StateDfuIdle
	if cfg.StartInAppMode {
		initial = StateAppIdle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Responder{
		desc:            cfg.Descriptor,
		backend:         cfg.Backend,
		machine:         NewMachine(cfg.Descriptor.Attributes, initial),
		status:          StatusOK,
		programLatency:  cfg.ProgramLatency,
		manifestLatency: cfg.ManifestLatency,
		now:             clock,
		stats:           SessionStats{StartTime: time.Now()},
	}
}

// Descriptor returns the functional descriptor the responder advertises.
func (r *Responder) Descriptor() FunctionalDescriptor { return r.desc }

// State returns the current machine state.
func (r *Responder) State() State { return r.machine.State() }

// Status returns the recorded status code.
func (r *Responder) Status() Status { return r.status }

// Stats returns a snapshot of the session counters.
func (r *Responder) Stats() SessionStats { return r.stats }

// AwaitingReset reports whether the device has finished a
// non-manifestation-tolerant update and is waiting for a bus reset. The
// transport uses this to model the device leaving the bus.
func (r *Responder) AwaitingReset() bool {
	r.advance()
	return r.awaitingReset
}

// BusReset models USB reset signaling: appDETACH and
// dfuMANIFEST-WAIT-RESET re-enter dfuIDLE, everything in flight is dropped.
func (r *Responder) BusReset() {
	if _, err := r.machine.Apply(EvBusReset); err == nil {
		r.reset(StatusOK)
	}
}

// fault records a status code and forces dfuERROR, discarding the session.
func (r *Responder) fault(code Status) {
	r.status = code
	r.machine.Fault()
	r.machine.SetWritePending(false)
	r.pendingData = nil
	r.session = nil
}

// reset clears session state after returning to an idle state.
func (r *Responder) reset(code Status) {
	r.status = code
	r.machine.SetWritePending(false)
	r.pendingData = nil
	r.session = nil
	r.awaitingReset = false
}

// advance applies time-driven pseudo-events: a completed block program or a
// completed manifestation phase.
func (r *Responder) advance() {
	switch r.machine.State() {
	case StateDfuDnbusy:
		if r.now().Before(r.busyUntil) {
			return
		}
		if err := r.commitPendingBlock(); err != nil {
			return
		}
		r.machine.Apply(EvPollElapsed)
	case StateDfuManifest:
		if r.now().Before(r.busyUntil) {
			return
		}
		if err := r.backend.CommitManifestation(); err != nil {
			r.machine.Apply(EvManifestFail)
			r.fault(backendStatus(err))
			return
		}
		st, _ := r.machine.Apply(EvManifestOK)
		if st == StateDfuManifestWaitReset {
			r.awaitingReset = true
		} else {
			r.reset(StatusOK)
		}
	}
}

// commitPendingBlock writes the staged block through the backend.
func (r *Responder) commitPendingBlock() error {
	if !r.machine.WritePending() {
		return nil
	}
	data := r.pendingData
	block := r.pendingBlock
	r.pendingData = nil
	r.machine.SetWritePending(false)
	if err := r.backend.WriteBlock(block, data); err != nil {
		r.fault(backendStatus(err))
		return err
	}
	if r.session != nil {
		r.session.Advance(len(data))
	}
	r.stats.BlocksReceived++
	r.stats.BytesDown += uint64(len(data))
	return nil
}

// Handle processes one decoded control request and returns the response
// payload (empty for OUT requests). A returned error means the request is
// stalled on the wire; the machine state after a stall is whatever the
// transition rules dictate (usually unchanged, dfuERROR on guard failures).
func (r *Responder) Handle(req uint8, value uint16, payload []byte, expect int) ([]byte, error) {
	r.advance()

	switch req {
	case ReqDetach:
		return r.handleDetach()
	case ReqDnload:
		return r.handleDnload(value, payload)
	case ReqUpload:
		return r.handleUpload(value, expect)
	case ReqGetStatus:
		return r.handleGetStatus()
	case ReqClrStatus:
		return r.handleClrStatus()
	case ReqGetState:
		return r.handleGetState()
	case ReqAbort:
		return r.handleAbort()
	default:
		r.stats.Stalls++
		return nil, ErrStalled
	}
}

func (r *Responder) handleDetach() ([]byte, error) {
	_, err := r.machine.Apply(EvDetach)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			r.fault(StatusErrStalledPkt)
		}
		r.stats.Stalls++
		return nil, err
	}
	return nil, nil
}

func (r *Responder) handleDnload(block uint16, payload []byte) ([]byte, error) {
	ev := EvDnloadData
	if len(payload) == 0 {
		ev = EvDnloadZero
	}
	if ev == EvDnloadZero && r.machine.State() == StateDfuIdle {
		// Terminator with no transfer in progress. Status is recorded but
		// the state does not change.
		r.status = StatusErrStalledPkt
		r.stats.Stalls++
		return nil, ErrStalled
	}
	prev := r.machine.State()
	if _, err := r.machine.Apply(ev); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			r.fault(StatusErrStalledPkt)
		}
		r.stats.Stalls++
		return nil, err
	}
	if ev == EvDnloadData {
		if prev == StateDfuIdle {
			r.session = NewTransferSession(-1)
			r.status = StatusOK
		}
		r.pendingData = append([]byte(nil), payload...)
		r.pendingBlock = block
		r.machine.SetWritePending(true)
		r.busyUntil = r.now().Add(r.programLatency)
	}
	return nil, nil
}

func (r *Responder) handleUpload(block uint16, expect int) ([]byte, error) {
	if expect > int(r.desc.TransferSize) {
		expect = int(r.desc.TransferSize)
	}
	prev := r.machine.State()
	if prev != StateDfuIdle && prev != StateDfuUploadIdle {
		r.stats.Stalls++
		return nil, ErrStalled
	}
	if !r.desc.Attributes.CanUpload() {
		r.fault(StatusErrStalledPkt)
		r.stats.Stalls++
		return nil, ErrInvalidTransition
	}
	data, err := r.backend.ReadBlock(block, expect)
	if err != nil {
		r.fault(backendStatus(err))
		r.stats.Stalls++
		return nil, err
	}
	ev := EvUpload
	if len(data) < expect {
		ev = EvUploadShort
	}
	if _, err := r.machine.Apply(ev); err != nil {
		r.stats.Stalls++
		return nil, err
	}
	if prev == StateDfuIdle {
		r.session = NewTransferSession(-1)
	}
	if r.session != nil {
		r.session.Advance(len(data))
	}
	r.stats.BlocksSent++
	r.stats.BytesUp += uint64(len(data))
	if ev == EvUploadShort {
		r.session = nil
	}
	return data, nil
}

func (r *Responder) handleGetStatus() ([]byte, error) {
	r.stats.StatusPolls++

	// Synchronous commit path: no latency left, commit before answering so
	// the DNLOAD-SYNC GETSTATUS can go straight to DNLOAD-IDLE. On failure
	// the machine is already faulted and the report carries the error.
	if r.machine.State() == StateDfuDnloadSync && !r.now().Before(r.busyUntil) {
		r.commitPendingBlock()
	}

	prev := r.machine.State()
	st, err := r.machine.Apply(EvGetStatus)
	if err != nil {
		// Polling dfuDNBUSY before the advertised interval elapses is a
		// protocol violation; the device stalls it.
		r.stats.Stalls++
		return nil, err
	}

	var poll uint32
	switch st {
	case StateDfuDnbusy:
		poll = r.remainingMillis()
	case StateDfuManifest:
		// Entered from dfuMANIFEST-SYNC on a non-tolerant device: the
		// manifestation phase starts now.
		r.busyUntil = r.now().Add(r.manifestLatency)
		poll = r.remainingMillis()
	case StateDfuIdle:
		// A tolerant device manifests inline on the MANIFEST-SYNC poll.
		if prev == StateDfuManifestSync {
			if err := r.backend.CommitManifestation(); err != nil {
				r.fault(backendStatus(err))
				st = r.machine.State()
			} else {
				r.reset(StatusOK)
			}
		}
	}

	rep := StatusReport{Status: r.status, PollTimeout: poll, State: st}
	buf, encErr := EncodeStatus(rep)
	if encErr != nil {
		return nil, encErr
	}
	return buf, nil
}

// remainingMillis returns the time left on the busy deadline, rounded up to
// a whole millisecond and clamped to the 24-bit field.
func (r *Responder) remainingMillis() uint32 {
	left := r.busyUntil.Sub(r.now())
	if left <= 0 {
		return 0
	}
	ms := (left + time.Millisecond - 1) / time.Millisecond
	if ms > MaxPollTimeout {
		return MaxPollTimeout
	}
	return uint32(ms)
}

func (r *Responder) handleClrStatus() ([]byte, error) {
	if _, err := r.machine.Apply(EvClrStatus); err != nil {
		r.stats.Stalls++
		return nil, err
	}
	r.reset(StatusOK)
	return nil, nil
}

func (r *Responder) handleGetState() ([]byte, error) {
	st, err := r.machine.Apply(EvGetState)
	if err != nil {
		r.stats.Stalls++
		return nil, err
	}
	return EncodeState(st)
}

func (r *Responder) handleAbort() ([]byte, error) {
	if _, err := r.machine.Apply(EvAbort); err != nil {
		r.stats.Stalls++
		return nil, err
	}
	r.reset(StatusOK)
	return nil, nil
}
