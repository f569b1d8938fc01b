// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfubridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is one control exchange on the bridge. The wire payload is a CBOR
// array [kind, request, value, data]; data is nil for exchanges that carry
// none.
type Frame struct {
	Kind    uint8
	Request uint8
	Value   uint16
	Data    []byte
}

// Request builds a request frame.
func Request(req uint8, value uint16, data []byte) Frame {
	return Frame{Kind: KindRequest, Request: req, Value: value, Data: data}
}

// Response builds a response frame echoing the request code.
func Response(req uint8, data []byte) Frame {
	return Frame{Kind: KindResponse, Request: req, Data: data}
}

// Encode produces the complete wire form: framing bytes around the
// byte-stuffed length-prefixed CBOR envelope and CRC trailer.
func Encode(f Frame) ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("dfubridge: frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}
	envelope, err := encodeEnvelope(f)
	if err != nil {
		return nil, fmt.Errorf("dfubridge: envelope encode failed: %w", err)
	}

	// Data section: 2-byte LE length + CBOR envelope. This is what gets
	// CRC'd and byte-stuffed.
	data := make([]byte, 0, 2+len(envelope)+2)
	data = append(data, uint8(len(envelope)), uint8(len(envelope)>>8))
	data = append(data, envelope...)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)
	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)
	return frame, nil
}

// encodeEnvelope serializes the CBOR array [kind, request, value, data].
func encodeEnvelope(f Frame) ([]byte, error) {
	var data interface{}
	if f.Data != nil {
		data = f.Data
	}
	return cbor.Marshal([]interface{}{
		uint64(f.Kind), uint64(f.Request), uint64(f.Value), data,
	})
}

// parseEnvelope is the inverse of encodeEnvelope.
func parseEnvelope(buf []byte) (Frame, error) {
	var f Frame
	var msg []interface{}
	if err := cbor.Unmarshal(buf, &msg); err != nil {
		return f, fmt.Errorf("dfubridge: failed to decode envelope: %w", err)
	}
	if len(msg) != 4 {
		return f, fmt.Errorf("dfubridge: expected 4-element envelope, got %d elements", len(msg))
	}
	kind, ok := asByte(msg[0])
	if !ok {
		return f, fmt.Errorf("dfubridge: bad kind field %T", msg[0])
	}
	req, ok := asByte(msg[1])
	if !ok {
		return f, fmt.Errorf("dfubridge: bad request field %T", msg[1])
	}
	value, ok := asUint16(msg[2])
	if !ok {
		return f, fmt.Errorf("dfubridge: bad value field %T", msg[2])
	}
	f.Kind = kind
	f.Request = req
	f.Value = value
	if msg[3] != nil {
		data, ok := msg[3].([]byte)
		if !ok {
			return f, fmt.Errorf("dfubridge: bad data field %T", msg[3])
		}
		f.Data = data
	}
	return f, nil
}

func asByte(v interface{}) (uint8, bool) {
	u, ok := v.(uint64)
	if !ok || u > 0xFF {
		return 0, false
	}
	return uint8(u), true
}

func asUint16(v interface{}) (uint16, bool) {
	u, ok := v.(uint64)
	if !ok || u > 0xFFFF {
		return 0, false
	}
	return uint16(u), true
}

// stuffBytes applies byte stuffing to escape special bytes.
// Special bytes (START, END, ESC) are replaced with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)+len(data)/8+4)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}
