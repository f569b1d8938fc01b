// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"fmt"
	"time"
)

// TransferSession is the runtime aggregate owned by a driver for the
// duration of one update. It is created when activity begins in dfuIDLE and
// destroyed on return to appIDLE/dfuIDLE or on fatal abort. A session owns
// exactly one current block index; the wire status snapshot is derived,
// never persisted here.
type TransferSession struct {
	BlockIndex       uint16
	BytesTransferred int
	TotalExpected    int // -1 when unknown (uploads)
	StartedAt        time.Time
}

// NewTransferSession starts a session. totalExpected is the image size in
// bytes for downloads, or -1 for uploads where the device decides.
func NewTransferSession(totalExpected int) *TransferSession {
	return &TransferSession{
		TotalExpected: totalExpected,
		StartedAt:     time.Now(),
	}
}

// Advance records one transferred block.
func (s *TransferSession) Advance(n int) {
	s.BlockIndex++
	s.BytesTransferred += n
}

// SessionStats tracks counters across one protocol session. Mirrors the
// shape of the wire statistics the responder and initiator both report.
type SessionStats struct {
	StartTime time.Time

	BlocksSent     uint64
	BlocksReceived uint64
	BytesDown      uint64
	BytesUp        uint64
	StatusPolls    uint64
	PollWaits      uint64
	PollWaitTotal  time.Duration
	Retries        uint64
	Stalls         uint64
	StatusErrors   uint64
}

// NewSessionStats creates a stats tracker starting now.
func NewSessionStats() *SessionStats {
	return &SessionStats{StartTime: time.Now()}
}

// RecordPollWait accounts one poll-timeout sleep.
func (s *SessionStats) RecordPollWait(d time.Duration) {
	s.PollWaits++
	s.PollWaitTotal += d
}

// Summary returns a one-line human-readable digest.
func (s *SessionStats) Summary() string {
	elapsed := time.Since(s.StartTime).Round(time.Millisecond)
	return fmt.Sprintf(
		"blocks down=%d up=%d, bytes down=%d up=%d, polls=%d (waited %s), retries=%d, stalls=%d, status errors=%d, elapsed=%s",
		s.BlocksSent, s.BlocksReceived, s.BytesDown, s.BytesUp,
		s.StatusPolls, s.PollWaitTotal.Round(time.Millisecond),
		s.Retries, s.Stalls, s.StatusErrors, elapsed,
	)
}
