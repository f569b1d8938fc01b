// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

// Package dfu implements the USB Device Firmware Update (DFU) 1.1 class
// protocol: the wire codec for its descriptors and status structures, the
// protocol state machine, and the host-side (Initiator) and device-side
// (Responder) drivers built on top of it.
//
// The package deliberately stops at the class layer. USB enumeration and the
// control pipe itself are behind the Transport interface; firmware storage is
// behind the MemoryBackend interface.
package dfu

// Class request codes (DFU 1.1, table 3.2). These are fixed protocol
// constants, not configurable.
const (
	ReqDetach    uint8 = 0x00
	ReqDnload    uint8 = 0x01
	ReqUpload    uint8 = 0x02
	ReqGetStatus uint8 = 0x03
	ReqClrStatus uint8 = 0x04
	ReqGetState  uint8 = 0x05
	ReqAbort     uint8 = 0x06
)

// Functional descriptor constants
const (
	DescriptorTypeFunctional = 0x21

	// Wire sizes of the functional descriptor: 7 bytes without the trailing
	// bcdDFUVersion field, 9 bytes with it.
	DescriptorSize   = 7
	DescriptorSizeV1 = 9

	// BCDVersion10 is the bcdDFUVersion value for DFU 1.0/1.1 devices.
	BCDVersion10 uint16 = 0x0100
)

// Response structure sizes
const (
	StatusSize = 6 // GETSTATUS: bStatus, bwPollTimeout(3), bState, iString
	StateSize  = 1 // GETSTATE: bState
)

// MaxPollTimeout is the largest poll timeout the 24-bit bwPollTimeout field
// can carry, in milliseconds.
const MaxPollTimeout = 0xFFFFFF

// Attributes is the bmAttributes capability set from the functional
// descriptor. It is a single wire byte; keep it as a flag set rather than
// separate booleans so it round-trips exactly.
type Attributes uint8

// bmAttributes bits (DFU 1.1, table 4.2)
const (
	AttrCanDownload           Attributes = 0x01
	AttrCanUpload             Attributes = 0x02
	AttrManifestationTolerant Attributes = 0x04
	AttrWillDetach            Attributes = 0x08

	attrMask Attributes = 0x0F
)

// CanDownload reports whether the device accepts DNLOAD requests.
func (a Attributes) CanDownload() bool { return a&AttrCanDownload != 0 }

// CanUpload reports whether the device accepts UPLOAD requests.
func (a Attributes) CanUpload() bool { return a&AttrCanUpload != 0 }

// ManifestationTolerant reports whether the device can return to DFU_IDLE
// after manifestation without a bus reset.
func (a Attributes) ManifestationTolerant() bool { return a&AttrManifestationTolerant != 0 }

// WillDetach reports whether the device detaches itself on DETACH instead of
// waiting for a bus reset.
func (a Attributes) WillDetach() bool { return a&AttrWillDetach != 0 }

// String returns the set bits in bmAttributes order.
func (a Attributes) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if a.WillDetach() {
		add("WILL_DETACH")
	}
	if a.ManifestationTolerant() {
		add("MANIFESTATION_TOLERANT")
	}
	if a.CanUpload() {
		add("CAN_UPLOAD")
	}
	if a.CanDownload() {
		add("CAN_DOWNLOAD")
	}
	if s == "" {
		return "none"
	}
	return s
}

// RequestName returns the protocol name of a class request code.
func RequestName(req uint8) string {
	switch req {
	case ReqDetach:
		return "DFU_DETACH"
	case ReqDnload:
		return "DFU_DNLOAD"
	case ReqUpload:
		return "DFU_UPLOAD"
	case ReqGetStatus:
		return "DFU_GETSTATUS"
	case ReqClrStatus:
		return "DFU_CLRSTATUS"
	case ReqGetState:
		return "DFU_GETSTATE"
	case ReqAbort:
		return "DFU_ABORT"
	default:
		return "UNKNOWN"
	}
}
