// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"fmt"
	"time"
)

// StatusReport is the 6-byte GETSTATUS response:
//
//	bStatus:1  bwPollTimeout:3  bState:1  iString:1
//
// A report is produced fresh on every GETSTATUS and never cached across a
// state transition. PollTimeout is the device-specified minimum delay, in
// milliseconds, before the host may re-query status; it occupies the low 24
// bits of the span shared with bState, so the codec extracts exactly 3 bytes
// by hand rather than overlaying a 32-bit field.
type StatusReport struct {
	Status      Status
	PollTimeout uint32 // milliseconds, 0..MaxPollTimeout
	State       State
	StringIndex uint8
}

// PollDuration returns the poll timeout as a time.Duration.
func (r StatusReport) PollDuration() time.Duration {
	return time.Duration(r.PollTimeout) * time.Millisecond
}

// EncodeStatus packs a status report into its 6-byte wire form. The poll
// timeout is stored little-endian in 3 bytes; values above MaxPollTimeout
// are rejected rather than truncated.
func EncodeStatus(r StatusReport) ([]byte, error) {
	if r.PollTimeout > MaxPollTimeout {
		return nil, fmt.Errorf("dfu: poll timeout %d ms exceeds 24-bit field", r.PollTimeout)
	}
	if int(r.Status) >= statusCount {
		return nil, &UnknownCodeError{Field: "bStatus", Raw: uint8(r.Status)}
	}
	if int(r.State) >= stateCount {
		return nil, &UnknownCodeError{Field: "bState", Raw: uint8(r.State)}
	}
	buf := make([]byte, StatusSize)
	buf[0] = uint8(r.Status)
	buf[1] = uint8(r.PollTimeout)
	buf[2] = uint8(r.PollTimeout >> 8)
	buf[3] = uint8(r.PollTimeout >> 16)
	buf[4] = uint8(r.State)
	buf[5] = r.StringIndex
	return buf, nil
}

// DecodeStatus parses a 6-byte GETSTATUS response. The buffer must be
// exactly StatusSize bytes; status and state bytes outside their enumerated
// ranges are decode errors.
func DecodeStatus(buf []byte) (StatusReport, error) {
	var r StatusReport
	if len(buf) != StatusSize {
		return r, &LengthError{Struct: "status", Got: len(buf), Want: StatusSize}
	}
	status, err := ParseStatus(buf[0])
	if err != nil {
		return r, err
	}
	state, err := ParseState(buf[4])
	if err != nil {
		return r, err
	}
	r.Status = status
	r.PollTimeout = uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	r.State = state
	r.StringIndex = buf[5]
	return r, nil
}

// EncodeState packs a state into its 1-byte GETSTATE wire form.
func EncodeState(s State) ([]byte, error) {
	if int(s) >= stateCount {
		return nil, &UnknownCodeError{Field: "bState", Raw: uint8(s)}
	}
	return []byte{uint8(s)}, nil
}

// DecodeState parses a 1-byte GETSTATE response.
func DecodeState(buf []byte) (State, error) {
	if len(buf) != StateSize {
		return 0, &LengthError{Struct: "state", Got: len(buf), Want: StateSize}
	}
	return ParseState(buf[0])
}
