// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfubridge

import "fmt"

// Decoder is the per-byte bridge frame decoder state machine. Feed it raw
// bytes from the stream; it resynchronizes on the next START byte after any
// error.
type Decoder struct {
	state      int
	escapeNext bool
	length     int
	buffer     []byte // length prefix + envelope, as CRC'd
	crc        uint16
}

// NewDecoder creates a new bridge frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, 512),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.length = 0
	d.buffer = d.buffer[:0]
	d.crc = 0
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error if decoding fails.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	// Handle byte stuffing
	if b == EscByte && !d.escapeNext {
		d.escapeNext = true
		return nil, nil
	}

	originalB := b
	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	} else {
		// Handle framing bytes (only unescaped ones frame)
		if originalB == StartByte {
			d.Reset()
			d.state = stateLenLo
			return nil, nil
		}
		if originalB == EndByte {
			return d.finish()
		}
	}

	switch d.state {
	case stateIdle:
		// Waiting for START byte
		return nil, nil

	case stateLenLo:
		d.length = int(b)
		d.buffer = append(d.buffer, b)
		d.state = stateLenHi
		return nil, nil

	case stateLenHi:
		d.length |= int(b) << 8
		if d.length == 0 || d.length > maxEnvelope {
			n := d.length
			d.Reset()
			return nil, fmt.Errorf("dfubridge: invalid envelope length %d (max %d)", n, maxEnvelope)
		}
		d.buffer = append(d.buffer, b)
		d.state = statePayload
		return nil, nil

	case statePayload:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) >= d.length+2 {
			d.state = stateCRC1
		}
		return nil, nil

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2
		return nil, nil

	case stateCRC2:
		d.crc |= uint16(b)
		// Wait for END byte
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("dfubridge: invalid decoder state %d", d.state)
	}
}

// finish validates the CRC and parses the envelope once END arrives.
func (d *Decoder) finish() (*Frame, error) {
	if d.state != stateCRC2 {
		st := d.state
		d.Reset()
		return nil, fmt.Errorf("dfubridge: unexpected END byte in state %d", st)
	}
	calculated := CalculateCRC(d.buffer)
	if d.crc != calculated {
		got := d.crc
		d.Reset()
		return nil, fmt.Errorf("dfubridge: CRC mismatch: expected 0x%04X, got 0x%04X", calculated, got)
	}
	frame, err := parseEnvelope(d.buffer[2:])
	d.Reset()
	if err != nil {
		return nil, err
	}
	return &frame, nil
}
