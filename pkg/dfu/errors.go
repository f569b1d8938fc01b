// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"errors"
	"fmt"
)

// Protocol-level sentinel errors. Decode and protocol errors are always fatal
// to the current session; they are never silently retried.
var (
	// ErrStalled is raised for any (state, request) pair outside the
	// transition table. The request is rejected and the state is unchanged.
	ErrStalled = errors.New("dfu: request stalled")

	// ErrInvalidTransition is raised when a listed transition's guard fails.
	// The responder records a status code and enters dfuERROR.
	ErrInvalidTransition = errors.New("dfu: invalid transition")

	// ErrDisconnected is returned by a transport whose peer is gone. During
	// manifestation on a non-tolerant device this is the expected outcome,
	// everywhere else it is fatal.
	ErrDisconnected = errors.New("dfu: transport disconnected")

	// ErrTimeout is returned when a transport exchange or the caller's
	// overall deadline expires.
	ErrTimeout = errors.New("dfu: timeout")
)

// LengthError reports a buffer whose length does not exactly equal the
// defined size of the structure being decoded.
type LengthError struct {
	Struct string
	Got    int
	Want   int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("dfu: %s: length mismatch: got %d bytes, want %d", e.Struct, e.Got, e.Want)
}

// UnknownCodeError reports a wire byte outside the enumerated range of its
// field.
type UnknownCodeError struct {
	Field string
	Raw   uint8
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("dfu: %s: unknown code 0x%02X", e.Field, e.Raw)
}

// BackendFault classifies memory backend failures. Each fault maps 1:1 onto
// a DFU status code; anything a backend reports outside this set becomes
// errUNKNOWN.
type BackendFault int

const (
	FaultWrite BackendFault = iota
	FaultErase
	FaultEraseCheck
	FaultProgram
	FaultVerify
	FaultAddress
	FaultFirmware
)

var faultNames = map[BackendFault]string{
	FaultWrite:      "write",
	FaultErase:      "erase",
	FaultEraseCheck: "erase check",
	FaultProgram:    "program",
	FaultVerify:     "verify",
	FaultAddress:    "address out of range",
	FaultFirmware:   "firmware corrupt",
}

func (f BackendFault) String() string {
	if s, ok := faultNames[f]; ok {
		return s
	}
	return "unknown"
}

// Status returns the DFU status code the fault maps onto.
func (f BackendFault) Status() Status {
	switch f {
	case FaultWrite:
		return StatusErrWrite
	case FaultErase:
		return StatusErrErase
	case FaultEraseCheck:
		return StatusErrCheckErased
	case FaultProgram:
		return StatusErrProg
	case FaultVerify:
		return StatusErrVerify
	case FaultAddress:
		return StatusErrAddress
	case FaultFirmware:
		return StatusErrFirmware
	default:
		return StatusErrUnknown
	}
}

// BackendError wraps a memory backend failure with its fault classification.
type BackendError struct {
	Fault BackendFault
	Err   error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dfu: backend %s failure: %v", e.Fault, e.Err)
	}
	return fmt.Sprintf("dfu: backend %s failure", e.Fault)
}

func (e *BackendError) Unwrap() error { return e.Err }

// backendStatus maps an error returned by a MemoryBackend onto a status code.
func backendStatus(err error) Status {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Fault.Status()
	}
	return StatusErrUnknown
}

// StatusError surfaces a device-reported error status to the initiator's
// caller after the session has been aborted and cleared.
type StatusError struct {
	Status Status
	State  State
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dfu: device reported %s (%s) in state %s",
		e.Status, e.Status.Description(), e.State)
}
