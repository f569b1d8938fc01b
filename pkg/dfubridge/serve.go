// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfubridge

import (
	"fmt"
	"io"

	"github.com/emberfield/dfutool/pkg/dfu"
)

// Serve pumps decoded request frames from conn into the responder and
// writes its answers back, until the stream ends or the device finishes a
// non-manifestation-tolerant update. In the latter case a gone frame is
// sent and the stream is closed, modeling the device dropping off the bus.
//
// Garbage and CRC failures on the stream are counted and skipped; the
// decoder resynchronizes on the next start byte.
func Serve(conn io.ReadWriteCloser, r *dfu.Responder) error {
	srv := &server{conn: conn, responder: r, stats: NewStatistics()}
	return srv.run()
}

type server struct {
	conn      io.ReadWriteCloser
	responder *dfu.Responder
	stats     *Statistics
}

func (s *server) run() error {
	decoder := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		for _, b := range buf[:n] {
			s.stats.BytesReceived++
			frame, decErr := decoder.DecodeByte(b)
			if decErr != nil {
				s.stats.RecordDecodeError(decErr)
				continue
			}
			if frame == nil {
				continue
			}
			s.stats.RecordReceived()
			done, handleErr := s.handle(*frame)
			if handleErr != nil {
				return handleErr
			}
			if done {
				return s.conn.Close()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("dfubridge: read failed: %w", err)
		}
	}
}

// handle dispatches one request frame. It reports done once the device is
// waiting for a bus reset and the stream should drop.
func (s *server) handle(frame Frame) (bool, error) {
	if frame.Kind != KindRequest {
		// Only requests flow toward the device.
		return false, s.send(Frame{Kind: KindStall, Request: frame.Request})
	}

	var data []byte
	var err error
	switch frame.Request {
	case ReqDescribe:
		data = s.responder.Descriptor().Encode()
	default:
		data, err = s.responder.Handle(frame.Request, frame.Value, frame.Data, s.expectFor(frame.Request))
	}
	if err != nil {
		s.stats.Stalls++
		if sendErr := s.send(Frame{Kind: KindStall, Request: frame.Request}); sendErr != nil {
			return false, sendErr
		}
		return false, nil
	}
	if sendErr := s.send(Response(frame.Request, data)); sendErr != nil {
		return false, sendErr
	}

	if s.responder.AwaitingReset() {
		if sendErr := s.send(Frame{Kind: KindGone}); sendErr != nil {
			return false, sendErr
		}
		return true, nil
	}
	return false, nil
}

// expectFor sizes the response for IN requests. An upload block is bounded
// by the advertised transfer size, which is what the host asks for.
func (s *server) expectFor(req uint8) int {
	switch req {
	case dfu.ReqGetStatus:
		return dfu.StatusSize
	case dfu.ReqGetState:
		return dfu.StateSize
	case dfu.ReqUpload:
		return int(s.responder.Descriptor().TransferSize)
	default:
		return 0
	}
}

func (s *server) send(f Frame) error {
	wire, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(wire); err != nil {
		return fmt.Errorf("dfubridge: write failed: %w", err)
	}
	s.stats.RecordSent(len(wire))
	return nil
}
