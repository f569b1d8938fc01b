// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"errors"
	"testing"
)

const testAttrs = AttrCanDownload | AttrCanUpload | AttrWillDetach

func TestMachine_DownloadPath(t *testing.T) {
	m := NewMachine(testAttrs, StateDfuIdle)
	m.SetWritePending(true)

	steps := []struct {
		ev   Event
		want State
	}{
		{EvDnloadData, StateDfuDnloadSync},
		{EvGetStatus, StateDfuDnbusy},
		{EvPollElapsed, StateDfuDnloadIdle},
		{EvDnloadData, StateDfuDnloadSync},
	}
	for _, s := range steps {
		got, err := m.Apply(s.ev)
		if err != nil {
			t.Fatalf("Apply(%s) error: %v", s.ev, err)
		}
		if got != s.want {
			t.Fatalf("Apply(%s) = %s, want %s", s.ev, got, s.want)
		}
	}

	// Second GETSTATUS with the write already committed skips DNBUSY.
	m.SetWritePending(false)
	if got, _ := m.Apply(EvGetStatus); got != StateDfuDnloadIdle {
		t.Errorf("GETSTATUS without pending write = %s, want %s", got, StateDfuDnloadIdle)
	}
	if got, _ := m.Apply(EvDnloadZero); got != StateDfuManifestSync {
		t.Errorf("Zero-length DNLOAD = %s, want %s", got, StateDfuManifestSync)
	}
}

func TestMachine_ManifestationTolerant(t *testing.T) {
	m := NewMachine(testAttrs|AttrManifestationTolerant, StateDfuManifestSync)
	if got, err := m.Apply(EvGetStatus); err != nil || got != StateDfuIdle {
		t.Errorf("Tolerant MANIFEST-SYNC GETSTATUS = (%s, %v), want dfuIDLE", got, err)
	}
}

func TestMachine_ManifestationNotTolerant(t *testing.T) {
	m := NewMachine(testAttrs, StateDfuManifestSync)
	if got, err := m.Apply(EvGetStatus); err != nil || got != StateDfuManifest {
		t.Fatalf("Non-tolerant MANIFEST-SYNC GETSTATUS = (%s, %v), want dfuMANIFEST", got, err)
	}
	if got, err := m.Apply(EvManifestOK); err != nil || got != StateDfuManifestWaitReset {
		t.Errorf("MANIFEST-OK = (%s, %v), want dfuMANIFEST-WAIT-RESET", got, err)
	}
	if got, err := m.Apply(EvBusReset); err != nil || got != StateDfuIdle {
		t.Errorf("Bus reset from WAIT-RESET = (%s, %v), want dfuIDLE", got, err)
	}
}

func TestMachine_ManifestFailure(t *testing.T) {
	m := NewMachine(testAttrs, StateDfuManifest)
	if got, err := m.Apply(EvManifestFail); err != nil || got != StateDfuError {
		t.Errorf("MANIFEST-FAIL = (%s, %v), want dfuERROR", got, err)
	}
	if got, err := m.Apply(EvClrStatus); err != nil || got != StateDfuIdle {
		t.Errorf("CLRSTATUS from dfuERROR = (%s, %v), want dfuIDLE", got, err)
	}
}

func TestMachine_DetachGuard(t *testing.T) {
	m := NewMachine(AttrCanDownload, StateAppIdle) // no WILL_DETACH
	_, err := m.Apply(EvDetach)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("DETACH without WILL_DETACH: err = %v, want ErrInvalidTransition", err)
	}
	if m.State() != StateAppIdle {
		t.Errorf("Machine transitioned on guard failure: %s", m.State())
	}

	m = NewMachine(AttrCanDownload|AttrWillDetach, StateAppIdle)
	if got, err := m.Apply(EvDetach); err != nil || got != StateAppDetach {
		t.Fatalf("DETACH = (%s, %v), want appDETACH", got, err)
	}
	if got, err := m.Apply(EvBusReset); err != nil || got != StateDfuIdle {
		t.Errorf("Bus reset from appDETACH = (%s, %v), want dfuIDLE", got, err)
	}
}

func TestMachine_DetachTimeout(t *testing.T) {
	m := NewMachine(testAttrs, StateAppDetach)
	if got, err := m.Apply(EvDetachTimeout); err != nil || got != StateAppIdle {
		t.Errorf("Detach timeout = (%s, %v), want appIDLE", got, err)
	}
}

func TestMachine_UploadGuard(t *testing.T) {
	m := NewMachine(AttrCanDownload, StateDfuIdle) // no CAN_UPLOAD
	_, err := m.Apply(EvUpload)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UPLOAD without CAN_UPLOAD: err = %v, want ErrInvalidTransition", err)
	}

	m = NewMachine(testAttrs, StateDfuIdle)
	if got, _ := m.Apply(EvUpload); got != StateDfuUploadIdle {
		t.Fatalf("UPLOAD = %s, want dfuUPLOAD-IDLE", got)
	}
	if got, _ := m.Apply(EvUpload); got != StateDfuUploadIdle {
		t.Errorf("Full-block UPLOAD should stay in dfuUPLOAD-IDLE, got %s", got)
	}
	if got, _ := m.Apply(EvUploadShort); got != StateDfuIdle {
		t.Errorf("Short UPLOAD = %s, want dfuIDLE", got)
	}
}

func TestMachine_AbortDiscardsTransfer(t *testing.T) {
	for _, from := range []State{
		StateDfuDnloadSync, StateDfuDnbusy, StateDfuDnloadIdle,
		StateDfuManifestSync, StateDfuUploadIdle, StateDfuIdle,
	} {
		m := NewMachine(testAttrs, from)
		got, err := m.Apply(EvAbort)
		if err != nil || got != StateDfuIdle {
			t.Errorf("ABORT from %s = (%s, %v), want dfuIDLE", from, got, err)
		}
	}
}

// Every (state, event) pair outside the transition table must leave the
// state unchanged and report a stall.
func TestMachine_UnlistedPairsStall(t *testing.T) {
	events := []Event{
		EvDetach, EvDnloadData, EvDnloadZero, EvUpload, EvUploadShort,
		EvGetStatus, EvClrStatus, EvGetState, EvAbort,
		EvBusReset, EvDetachTimeout, EvPollElapsed, EvManifestOK, EvManifestFail,
	}
	listed := make(map[State]map[Event]bool)
	for _, r := range rules {
		if listed[r.from] == nil {
			listed[r.from] = make(map[Event]bool)
		}
		listed[r.from][r.event] = true
	}

	for raw := uint8(0); raw < stateCount; raw++ {
		from := State(raw)
		for _, ev := range events {
			if listed[from][ev] {
				continue
			}
			m := NewMachine(testAttrs|AttrManifestationTolerant, from)
			m.SetWritePending(true)
			got, err := m.Apply(ev)
			if !errors.Is(err, ErrStalled) {
				t.Errorf("(%s, %s): err = %v, want ErrStalled", from, ev, err)
			}
			if got != from {
				t.Errorf("(%s, %s): state changed to %s", from, ev, got)
			}
		}
	}
}

// Spot-check specific pairs the protocol singles out.
func TestMachine_SpecificStalls(t *testing.T) {
	tests := []struct {
		name string
		from State
		ev   Event
	}{
		{"DNLOAD while uploading", StateDfuUploadIdle, EvDnloadData},
		{"GETSTATUS while busy", StateDfuDnbusy, EvGetStatus},
		{"DNLOAD while busy", StateDfuDnbusy, EvDnloadData},
		{"CLRSTATUS outside error", StateDfuIdle, EvClrStatus},
		{"DNLOAD in error", StateDfuError, EvDnloadData},
		{"ABORT in error", StateDfuError, EvAbort},
		{"DETACH in DFU mode", StateDfuIdle, EvDetach},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(testAttrs, tt.from)
			got, err := m.Apply(tt.ev)
			if !errors.Is(err, ErrStalled) {
				t.Errorf("err = %v, want ErrStalled", err)
			}
			if got != tt.from {
				t.Errorf("state changed to %s", got)
			}
		})
	}
}

func TestMachine_StatusReadableInError(t *testing.T) {
	m := NewMachine(testAttrs, StateDfuError)
	if got, err := m.Apply(EvGetStatus); err != nil || got != StateDfuError {
		t.Errorf("GETSTATUS in dfuERROR = (%s, %v), want self-loop", got, err)
	}
	if got, err := m.Apply(EvGetState); err != nil || got != StateDfuError {
		t.Errorf("GETSTATE in dfuERROR = (%s, %v), want self-loop", got, err)
	}
}
