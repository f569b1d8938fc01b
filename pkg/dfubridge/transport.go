// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfubridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/emberfield/dfutool/pkg/dfu"
)

// Transport adapts a framed byte stream to the host-side control pipe. One
// exchange is in flight at a time; a background reader decodes frames off
// the stream so a context deadline can interrupt a wait.
type Transport struct {
	conn  io.ReadWriteCloser
	stats *Statistics

	frames chan Frame
	errs   chan error

	mu     sync.Mutex
	gone   bool
	closed bool
}

// NewTransport wraps conn and starts its read loop. The caller must Close
// the transport to release the stream.
func NewTransport(conn io.ReadWriteCloser) *Transport {
	t := &Transport{
		conn:   conn,
		stats:  NewStatistics(),
		frames: make(chan Frame, 4),
		errs:   make(chan error, 1),
	}
	go t.readLoop()
	return t
}

// Stats returns a snapshot of the frame counters.
func (t *Transport) Stats() Statistics { return *t.stats }

// Close closes the underlying stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// readLoop pumps stream bytes through the decoder. Decode errors are counted
// and the decoder resynchronizes on the next start byte; a read error ends
// the loop and surfaces on the next exchange.
func (t *Transport) readLoop() {
	decoder := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		for _, b := range buf[:n] {
			t.stats.BytesReceived++
			frame, decErr := decoder.DecodeByte(b)
			if decErr != nil {
				t.stats.RecordDecodeError(decErr)
				continue
			}
			if frame == nil {
				continue
			}
			t.stats.RecordReceived()
			select {
			case t.frames <- *frame:
			default:
				// No exchange waiting; drop the frame.
			}
		}
		if err != nil {
			t.errs <- err
			return
		}
	}
}

// Control sends one request frame and waits for the matching response.
// A stall frame maps to dfu.ErrStalled, a gone frame or stream loss to
// dfu.ErrDisconnected, and a context deadline to dfu.ErrTimeout.
func (t *Transport) Control(ctx context.Context, req uint8, value uint16, payload []byte, expect int) ([]byte, error) {
	t.mu.Lock()
	gone := t.gone
	t.mu.Unlock()
	if gone {
		return nil, fmt.Errorf("dfubridge: device left the bus: %w", dfu.ErrDisconnected)
	}

	wire, err := Encode(Request(req, value, payload))
	if err != nil {
		return nil, err
	}
	if _, err := t.conn.Write(wire); err != nil {
		return nil, fmt.Errorf("dfubridge: write failed: %w", dfu.ErrDisconnected)
	}
	t.stats.RecordSent(len(wire))

	for {
		select {
		case <-ctx.Done():
			return nil, t.ctxError(ctx)
		case err := <-t.errs:
			t.markGone()
			return nil, fmt.Errorf("dfubridge: stream lost: %v: %w", err, dfu.ErrDisconnected)
		case frame := <-t.frames:
			switch frame.Kind {
			case KindResponse:
				if frame.Request != req {
					// Stale response from an interrupted exchange.
					continue
				}
				return frame.Data, nil
			case KindStall:
				t.stats.Stalls++
				return nil, fmt.Errorf("dfubridge: request 0x%02X stalled: %w", req, dfu.ErrStalled)
			case KindGone:
				t.markGone()
				return nil, fmt.Errorf("dfubridge: device left the bus: %w", dfu.ErrDisconnected)
			default:
				continue
			}
		}
	}
}

// Describe fetches and decodes the device's functional descriptor through
// the bridge-local describe request.
func (t *Transport) Describe(ctx context.Context) (dfu.FunctionalDescriptor, error) {
	buf, err := t.Control(ctx, ReqDescribe, 0, nil, dfu.DescriptorSizeV1)
	if err != nil {
		return dfu.FunctionalDescriptor{}, err
	}
	return dfu.DecodeFunctionalDescriptor(buf)
}

func (t *Transport) markGone() {
	t.mu.Lock()
	t.gone = true
	t.mu.Unlock()
}

func (t *Transport) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("dfubridge: exchange deadline exceeded: %w", dfu.ErrTimeout)
	}
	return ctx.Err()
}
