// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

// State is the bState value of the DFU interface state machine. Exactly one
// state is current at any time. A raw byte outside the enumerated range is a
// decode error, never a 12th state; use ParseState, not a direct conversion.
type State uint8

// DFU states (DFU 1.1, section A.2)
const (
	StateAppIdle              State = 0x00
	StateAppDetach            State = 0x01
	StateDfuIdle              State = 0x02
	StateDfuDnloadSync        State = 0x03
	StateDfuDnbusy            State = 0x04
	StateDfuDnloadIdle        State = 0x05
	StateDfuManifestSync      State = 0x06
	StateDfuManifest          State = 0x07
	StateDfuManifestWaitReset State = 0x08
	StateDfuUploadIdle        State = 0x09
	StateDfuError             State = 0x0A

	stateCount = 11
)

var stateNames = [stateCount]string{
	StateAppIdle:              "appIDLE",
	StateAppDetach:            "appDETACH",
	StateDfuIdle:              "dfuIDLE",
	StateDfuDnloadSync:        "dfuDNLOAD-SYNC",
	StateDfuDnbusy:            "dfuDNBUSY",
	StateDfuDnloadIdle:        "dfuDNLOAD-IDLE",
	StateDfuManifestSync:      "dfuMANIFEST-SYNC",
	StateDfuManifest:          "dfuMANIFEST",
	StateDfuManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateDfuUploadIdle:        "dfuUPLOAD-IDLE",
	StateDfuError:             "dfuERROR",
}

// String returns the protocol name of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// ParseState converts a raw wire byte into a State. Unknown values fail with
// an UnknownCodeError rather than being coerced.
func ParseState(raw uint8) (State, error) {
	if raw >= stateCount {
		return 0, &UnknownCodeError{Field: "bState", Raw: raw}
	}
	return State(raw), nil
}

// Status is the bStatus value reported by GETSTATUS. StatusOK is the only
// non-error value. Status explains why the last transition failed; State says
// where the machine now is. The two axes are orthogonal.
type Status uint8

// DFU status codes (DFU 1.1, section 6.1.2)
const (
	StatusOK              Status = 0x00
	StatusErrTarget       Status = 0x01
	StatusErrFile         Status = 0x02
	StatusErrWrite        Status = 0x03
	StatusErrErase        Status = 0x04
	StatusErrCheckErased  Status = 0x05
	StatusErrProg         Status = 0x06
	StatusErrVerify       Status = 0x07
	StatusErrAddress      Status = 0x08
	StatusErrNotDone      Status = 0x09
	StatusErrFirmware     Status = 0x0A
	StatusErrVendor       Status = 0x0B
	StatusErrUsbReset     Status = 0x0C
	StatusErrPowerOnReset Status = 0x0D
	StatusErrUnknown      Status = 0x0E
	StatusErrStalledPkt   Status = 0x0F

	statusCount = 16
)

var statusNames = [statusCount]string{
	StatusOK:              "OK",
	StatusErrTarget:       "errTARGET",
	StatusErrFile:         "errFILE",
	StatusErrWrite:        "errWRITE",
	StatusErrErase:        "errERASE",
	StatusErrCheckErased:  "errCHECK_ERASED",
	StatusErrProg:         "errPROG",
	StatusErrVerify:       "errVERIFY",
	StatusErrAddress:      "errADDRESS",
	StatusErrNotDone:      "errNOTDONE",
	StatusErrFirmware:     "errFIRMWARE",
	StatusErrVendor:       "errVENDOR",
	StatusErrUsbReset:     "errUSBR",
	StatusErrPowerOnReset: "errPOR",
	StatusErrUnknown:      "errUNKNOWN",
	StatusErrStalledPkt:   "errSTALLEDPKT",
}

var statusDescriptions = [statusCount]string{
	StatusOK:              "no error condition is present",
	StatusErrTarget:       "file is not targeted for use by this device",
	StatusErrFile:         "file fails a vendor-specific verification test",
	StatusErrWrite:        "device is unable to write memory",
	StatusErrErase:        "memory erase function failed",
	StatusErrCheckErased:  "memory erase check failed",
	StatusErrProg:         "program memory function failed",
	StatusErrVerify:       "programmed memory failed verification",
	StatusErrAddress:      "received address is out of range",
	StatusErrNotDone:      "premature end of transfer, device expects more data",
	StatusErrFirmware:     "firmware is corrupt, device cannot return to run-time mode",
	StatusErrVendor:       "vendor-specific error, see iString",
	StatusErrUsbReset:     "unexpected USB reset signaling",
	StatusErrPowerOnReset: "unexpected power on reset",
	StatusErrUnknown:      "unknown error",
	StatusErrStalledPkt:   "device stalled an unexpected request",
}

// String returns the protocol mnemonic of the status code.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Description returns the human-readable meaning of the status code.
func (s Status) Description() string {
	if int(s) < len(statusDescriptions) {
		return statusDescriptions[s]
	}
	return "unknown status code"
}

// OK reports whether the status carries no error.
func (s Status) OK() bool { return s == StatusOK }

// ParseStatus converts a raw wire byte into a Status. Unknown values fail
// with an UnknownCodeError rather than being coerced.
func ParseStatus(raw uint8) (Status, error) {
	if raw >= statusCount {
		return 0, &UnknownCodeError{Field: "bStatus", Raw: raw}
	}
	return Status(raw), nil
}
