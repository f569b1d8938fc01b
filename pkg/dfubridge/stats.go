// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfubridge

import (
	"fmt"
	"strings"
	"time"
)

// Statistics tracks bridge frame counts and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	CRCErrors      uint64
	DecodeErrors   uint64
	Stalls         uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordSent records an outbound frame of the given wire size
func (s *Statistics) RecordSent(wireBytes int) {
	s.FramesSent++
	s.BytesSent += uint64(wireBytes)
	s.LastUpdateTime = time.Now()
}

// RecordReceived records a successfully decoded inbound frame
func (s *Statistics) RecordReceived() {
	s.FramesReceived++
	s.LastUpdateTime = time.Now()
}

// RecordDecodeError records a failed decode, classifying CRC failures
func (s *Statistics) RecordDecodeError(err error) {
	if err != nil && strings.Contains(err.Error(), "CRC mismatch") {
		s.CRCErrors++
	} else {
		s.DecodeErrors++
	}
	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesSent+s.FramesReceived) / elapsed
		s.ErrorRate = float64(s.CRCErrors+s.DecodeErrors) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Bridge Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d (%d bytes)\n", s.FramesSent, s.BytesSent)
	result += fmt.Sprintf("Frames Received: %8d (%d bytes)\n", s.FramesReceived, s.BytesReceived)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d\n", s.DecodeErrors)
	}
	if s.Stalls > 0 {
		result += fmt.Sprintf("Stalls:          %8d\n", s.Stalls)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	now := time.Now()
	*s = Statistics{StartTime: now, LastUpdateTime: now}
}
