// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// Status report codec
// ============================================================

func TestEncodeStatus_Layout(t *testing.T) {
	rep := StatusReport{
		Status:      StatusErrWrite,
		PollTimeout: 0x010203,
		State:       StateDfuDnbusy,
		StringIndex: 7,
	}
	buf, err := EncodeStatus(rep)
	if err != nil {
		t.Fatalf("EncodeStatus error: %v", err)
	}
	want := []byte{0x03, 0x03, 0x02, 0x01, 0x04, 0x07}
	if !bytes.Equal(buf, want) {
		t.Errorf("Encoded status mismatch:\n got  % X\n want % X", buf, want)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rep  StatusReport
	}{
		{"ok idle", StatusReport{Status: StatusOK, State: StateDfuIdle}},
		{"busy with timeout", StatusReport{Status: StatusOK, PollTimeout: 250, State: StateDfuDnbusy}},
		{"max timeout", StatusReport{Status: StatusOK, PollTimeout: MaxPollTimeout, State: StateDfuManifest}},
		{"error", StatusReport{Status: StatusErrVerify, State: StateDfuError, StringIndex: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeStatus(tt.rep)
			if err != nil {
				t.Fatalf("EncodeStatus error: %v", err)
			}
			got, err := DecodeStatus(buf)
			if err != nil {
				t.Fatalf("DecodeStatus error: %v", err)
			}
			if got != tt.rep {
				t.Errorf("Round trip mismatch: got %+v, want %+v", got, tt.rep)
			}
		})
	}
}

func TestEncodeStatus_TimeoutTooLarge(t *testing.T) {
	_, err := EncodeStatus(StatusReport{PollTimeout: MaxPollTimeout + 1, State: StateDfuDnbusy})
	if err == nil {
		t.Error("Expected error for poll timeout above 24-bit range")
	}
}

func TestDecodeStatus_LengthMismatch(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7, 12} {
		_, err := DecodeStatus(make([]byte, n))
		var le *LengthError
		if !errors.As(err, &le) {
			t.Errorf("len=%d: expected LengthError, got %v", n, err)
			continue
		}
		if le.Got != n || le.Want != StatusSize {
			t.Errorf("len=%d: LengthError got=%d want=%d", n, le.Got, le.Want)
		}
	}
}

func TestDecodeStatus_UnknownState(t *testing.T) {
	// bState = 0x0B is the first unused state value.
	buf := []byte{0x00, 0x00, 0x00, 0x00, 0x0B, 0x00}
	_, err := DecodeStatus(buf)
	var uc *UnknownCodeError
	if !errors.As(err, &uc) {
		t.Fatalf("Expected UnknownCodeError, got %v", err)
	}
	if uc.Raw != 0x0B || uc.Field != "bState" {
		t.Errorf("UnknownCodeError = %+v, want bState 0x0B", uc)
	}
}

func TestDecodeStatus_UnknownStatus(t *testing.T) {
	buf := []byte{0x10, 0x00, 0x00, 0x00, 0x02, 0x00}
	_, err := DecodeStatus(buf)
	var uc *UnknownCodeError
	if !errors.As(err, &uc) {
		t.Fatalf("Expected UnknownCodeError, got %v", err)
	}
	if uc.Raw != 0x10 || uc.Field != "bStatus" {
		t.Errorf("UnknownCodeError = %+v, want bStatus 0x10", uc)
	}
}

// ============================================================
// State codec
// ============================================================

func TestStateRoundTrip(t *testing.T) {
	for raw := uint8(0); raw < stateCount; raw++ {
		st, err := ParseState(raw)
		if err != nil {
			t.Fatalf("ParseState(0x%02X) error: %v", raw, err)
		}
		buf, err := EncodeState(st)
		if err != nil {
			t.Fatalf("EncodeState(%s) error: %v", st, err)
		}
		got, err := DecodeState(buf)
		if err != nil {
			t.Fatalf("DecodeState error: %v", err)
		}
		if got != st {
			t.Errorf("Round trip mismatch: got %s, want %s", got, st)
		}
	}
}

func TestStatusCodeRoundTrip(t *testing.T) {
	for raw := uint8(0); raw < statusCount; raw++ {
		code, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("ParseStatus(0x%02X) error: %v", raw, err)
		}
		if uint8(code) != raw {
			t.Errorf("ParseStatus(0x%02X) = 0x%02X", raw, uint8(code))
		}
	}
}

func TestParseState_OutOfRange(t *testing.T) {
	for _, raw := range []uint8{0x0B, 0x10, 0x80, 0xFF} {
		_, err := ParseState(raw)
		var uc *UnknownCodeError
		if !errors.As(err, &uc) {
			t.Errorf("ParseState(0x%02X): expected UnknownCodeError, got %v", raw, err)
			continue
		}
		if uc.Raw != raw {
			t.Errorf("ParseState(0x%02X): error carries raw 0x%02X", raw, uc.Raw)
		}
	}
}

func TestDecodeState_LengthMismatch(t *testing.T) {
	_, err := DecodeState([]byte{})
	var le *LengthError
	if !errors.As(err, &le) {
		t.Errorf("Expected LengthError for empty buffer, got %v", err)
	}
	_, err = DecodeState([]byte{0x02, 0x00})
	if !errors.As(err, &le) {
		t.Errorf("Expected LengthError for 2-byte buffer, got %v", err)
	}
}

// ============================================================
// Functional descriptor codec
// ============================================================

func TestDescriptorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		desc FunctionalDescriptor
	}{
		{
			"short form",
			FunctionalDescriptor{
				Attributes:    AttrCanDownload | AttrWillDetach,
				DetachTimeout: 1000,
				TransferSize:  2048,
			},
		},
		{
			"with version",
			FunctionalDescriptor{
				Attributes:    AttrCanDownload | AttrCanUpload | AttrManifestationTolerant,
				DetachTimeout: 255,
				TransferSize:  64,
				Version:       BCDVersion10,
				HasVersion:    true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.desc.Encode()
			wantLen := DescriptorSize
			if tt.desc.HasVersion {
				wantLen = DescriptorSizeV1
			}
			if len(buf) != wantLen {
				t.Fatalf("Encoded length = %d, want %d", len(buf), wantLen)
			}
			got, err := DecodeFunctionalDescriptor(buf)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if got != tt.desc {
				t.Errorf("Round trip mismatch: got %+v, want %+v", got, tt.desc)
			}
		})
	}
}

func TestDescriptorEncode_Layout(t *testing.T) {
	d := FunctionalDescriptor{
		Attributes:    AttrCanDownload | AttrManifestationTolerant,
		DetachTimeout: 0x1234,
		TransferSize:  0x0400,
		Version:       BCDVersion10,
		HasVersion:    true,
	}
	want := []byte{0x09, 0x21, 0x05, 0x34, 0x12, 0x00, 0x04, 0x00, 0x01}
	if got := d.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encoded descriptor mismatch:\n got  % X\n want % X", got, want)
	}
}

func TestDecodeDescriptor_BadLength(t *testing.T) {
	for _, n := range []int{0, 6, 8, 10} {
		_, err := DecodeFunctionalDescriptor(make([]byte, n))
		var le *LengthError
		if !errors.As(err, &le) {
			t.Errorf("len=%d: expected LengthError, got %v", n, err)
		}
	}
}

func TestDecodeDescriptor_BadType(t *testing.T) {
	buf := FunctionalDescriptor{TransferSize: 64}.Encode()
	buf[1] = 0x04 // interface descriptor, not DFU functional
	_, err := DecodeFunctionalDescriptor(buf)
	var uc *UnknownCodeError
	if !errors.As(err, &uc) {
		t.Fatalf("Expected UnknownCodeError, got %v", err)
	}
	if uc.Field != "bDescriptorType" {
		t.Errorf("UnknownCodeError field = %q", uc.Field)
	}
}

func TestAttributesString(t *testing.T) {
	a := AttrCanDownload | AttrWillDetach
	s := a.String()
	if s != "WILL_DETACH|CAN_DOWNLOAD" {
		t.Errorf("Attributes.String() = %q", s)
	}
	if Attributes(0).String() != "none" {
		t.Errorf("empty Attributes.String() = %q", Attributes(0).String())
	}
}
