// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport is the control-pipe collaborator the initiator issues requests
// through. For OUT requests payload carries data and expect is 0; for IN
// requests payload is nil and expect is the exact response size wanted.
// Implementations return ErrDisconnected (wrapped) when the device leaves
// the bus and ErrTimeout (wrapped) when an exchange times out.
type Transport interface {
	Control(ctx context.Context, req uint8, value uint16, payload []byte, expect int) ([]byte, error)
	Close() error
}

// ProgressEvent reports download/upload progress to an observer.
type ProgressEvent struct {
	Phase      string // "download", "manifest", "upload"
	Block      uint16
	BytesDone  int
	BytesTotal int // -1 when unknown
	State      State
}

// DefaultRetryLimit bounds transport-timeout retries during status polling.
const DefaultRetryLimit = 3

// Initiator is the host-side protocol driver. It sequences a full firmware
// session: DNLOAD chunks sized to the descriptor's wTransferSize, status
// polling with the device-specified poll timeouts, error recovery through
// CLRSTATUS, and the manifestation endgame.
//
// One exchange is in flight at a time; the only suspension is the poll-
// timeout sleep, which is cancellable through the caller's context. A
// context deadline expiring mid-session surfaces ErrTimeout after an ABORT
// has been issued.
type Initiator struct {
	// RetryLimit bounds transport-timeout retries per status poll.
	RetryLimit int

	// Progress, when set, is called after every completed block and on
	// phase changes.
	Progress func(ProgressEvent)

	tr    Transport
	desc  FunctionalDescriptor
	stats *SessionStats
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInitiator builds a host-side driver over the given transport, using
// the device's functional descriptor for capability checks and chunk
// sizing.
func NewInitiator(tr Transport, desc FunctionalDescriptor) *Initiator {
	return &Initiator{
		RetryLimit: DefaultRetryLimit,
		tr:         tr,
		desc:       desc,
		stats:      NewSessionStats(),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns the counters for the current/last session.
func (i *Initiator) Stats() SessionStats { return *i.stats }

// Descriptor returns the functional descriptor the initiator was built with.
func (i *Initiator) Descriptor() FunctionalDescriptor { return i.desc }

// GetStatus issues GETSTATUS and decodes the 6-byte report.
func (i *Initiator) GetStatus(ctx context.Context) (StatusReport, error) {
	i.stats.StatusPolls++
	buf, err := i.tr.Control(ctx, ReqGetStatus, 0, nil, StatusSize)
	if err != nil {
		return StatusReport{}, fmt.Errorf("GETSTATUS: %w", err)
	}
	return DecodeStatus(buf)
}

// GetState issues GETSTATE and decodes the single state byte.
func (i *Initiator) GetState(ctx context.Context) (State, error) {
	buf, err := i.tr.Control(ctx, ReqGetState, 0, nil, StateSize)
	if err != nil {
		return 0, fmt.Errorf("GETSTATE: %w", err)
	}
	return DecodeState(buf)
}

// ClearStatus issues CLRSTATUS, legal only in dfuERROR.
func (i *Initiator) ClearStatus(ctx context.Context) error {
	if _, err := i.tr.Control(ctx, ReqClrStatus, 0, nil, 0); err != nil {
		return fmt.Errorf("CLRSTATUS: %w", err)
	}
	return nil
}

// Abort issues ABORT, discarding any in-progress transfer on the device.
func (i *Initiator) Abort(ctx context.Context) error {
	if _, err := i.tr.Control(ctx, ReqAbort, 0, nil, 0); err != nil {
		return fmt.Errorf("ABORT: %w", err)
	}
	return nil
}

// Detach issues DETACH with the given timeout. On a WILL_DETACH device the
// device generates its own detach-attach sequence; otherwise the caller must
// reset the bus within the timeout.
func (i *Initiator) Detach(ctx context.Context, timeoutMs uint16) error {
	if _, err := i.tr.Control(ctx, ReqDetach, timeoutMs, nil, 0); err != nil {
		return fmt.Errorf("DETACH: %w", err)
	}
	return nil
}

// Download transfers image to the device and drives it through
// manifestation. On a manifestation-tolerant device it returns once the
// device is back in dfuIDLE; on a non-tolerant device the device leaving
// the bus after the terminating zero-length DNLOAD is the expected success
// path. A device-reported error aborts the session and surfaces as a
// *StatusError after CLRSTATUS recovery.
func (i *Initiator) Download(ctx context.Context, image []byte) (SessionStats, error) {
	if !i.desc.Attributes.CanDownload() {
		return *i.stats, errors.New("dfu: device does not support download")
	}
	ts := int(i.desc.TransferSize)
	if ts == 0 {
		return *i.stats, errors.New("dfu: descriptor advertises zero transfer size")
	}
	i.stats = NewSessionStats()

	if err := i.ensureIdle(ctx); err != nil {
		return *i.stats, err
	}

	session := NewTransferSession(len(image))
	for off := 0; off < len(image); off += ts {
		end := off + ts
		if end > len(image) {
			end = len(image)
		}
		block := session.BlockIndex
		if _, err := i.tr.Control(ctx, ReqDnload, block, image[off:end], 0); err != nil {
			return *i.stats, fmt.Errorf("DNLOAD block %d: %w", block, err)
		}
		if err := i.awaitBlockCommitted(ctx); err != nil {
			return *i.stats, err
		}
		session.Advance(end - off)
		i.stats.BlocksSent++
		i.stats.BytesDown += uint64(end - off)
		i.report("download", block, session.BytesTransferred, len(image), StateDfuDnloadIdle)
	}

	// Terminating zero-length DNLOAD: tells the device the image is
	// complete and starts manifestation.
	if _, err := i.tr.Control(ctx, ReqDnload, session.BlockIndex, nil, 0); err != nil {
		if i.manifestDisconnect(err) {
			return *i.stats, nil
		}
		return *i.stats, fmt.Errorf("DNLOAD terminator: %w", err)
	}
	return *i.stats, i.awaitManifested(ctx, session)
}

// awaitBlockCommitted polls GETSTATUS until the device leaves dfuDNBUSY,
// honoring its advertised poll timeouts.
func (i *Initiator) awaitBlockCommitted(ctx context.Context) error {
	rep, err := i.pollStatus(ctx)
	if err != nil {
		return i.checkDeadline(ctx, err)
	}
	for {
		if !rep.Status.OK() {
			return i.recover(ctx, rep)
		}
		if rep.State != StateDfuDnbusy {
			break
		}
		// The device forbids re-polling before the advertised interval.
		wait := rep.PollDuration()
		i.stats.RecordPollWait(wait)
		if err := i.sleep(ctx, wait); err != nil {
			return i.deadlineAbort()
		}
		rep, err = i.pollStatus(ctx)
		if err != nil {
			return i.checkDeadline(ctx, err)
		}
	}
	if rep.State != StateDfuDnloadIdle {
		return fmt.Errorf("dfu: unexpected state %s after block: %w", rep.State, ErrInvalidTransition)
	}
	return nil
}

// awaitManifested drives the post-terminator endgame.
func (i *Initiator) awaitManifested(ctx context.Context, session *TransferSession) error {
	tolerant := i.desc.Attributes.ManifestationTolerant()
	for {
		rep, err := i.GetStatus(ctx)
		if err != nil {
			if i.manifestDisconnect(err) {
				return nil
			}
			return i.checkDeadline(ctx, err)
		}
		if !rep.Status.OK() {
			return i.recover(ctx, rep)
		}
		i.report("manifest", session.BlockIndex, session.BytesTransferred, session.TotalExpected, rep.State)
		switch rep.State {
		case StateDfuIdle:
			return nil
		case StateDfuManifest, StateDfuManifestSync:
			if !tolerant {
				// The device programs its memories and drops off the bus;
				// there is nothing further to poll.
				return nil
			}
			wait := rep.PollDuration()
			i.stats.RecordPollWait(wait)
			if err := i.sleep(ctx, wait); err != nil {
				return i.deadlineAbort()
			}
		case StateDfuManifestWaitReset:
			return nil
		default:
			return fmt.Errorf("dfu: unexpected state %s during manifestation: %w", rep.State, ErrInvalidTransition)
		}
	}
}

// Upload reads the firmware image back from the device. The transfer ends
// on the first short or empty block.
func (i *Initiator) Upload(ctx context.Context) ([]byte, error) {
	if !i.desc.Attributes.CanUpload() {
		return nil, errors.New("dfu: device does not support upload")
	}
	ts := int(i.desc.TransferSize)
	if ts == 0 {
		return nil, errors.New("dfu: descriptor advertises zero transfer size")
	}
	i.stats = NewSessionStats()
	if err := i.ensureIdle(ctx); err != nil {
		return nil, err
	}

	session := NewTransferSession(-1)
	var image []byte
	for {
		data, err := i.tr.Control(ctx, ReqUpload, session.BlockIndex, nil, ts)
		if err != nil {
			return nil, fmt.Errorf("UPLOAD block %d: %w", session.BlockIndex, err)
		}
		image = append(image, data...)
		session.Advance(len(data))
		i.stats.BlocksReceived++
		i.stats.BytesUp += uint64(len(data))
		i.report("upload", session.BlockIndex, session.BytesTransferred, -1, StateDfuUploadIdle)
		if len(data) < ts {
			return image, nil
		}
	}
}

// ensureIdle brings the device to dfuIDLE: clears a stale error, aborts a
// stale transfer.
func (i *Initiator) ensureIdle(ctx context.Context) error {
	rep, err := i.pollStatus(ctx)
	if err != nil {
		return i.checkDeadline(ctx, err)
	}
	if rep.State == StateDfuError {
		if err := i.ClearStatus(ctx); err != nil {
			return err
		}
		rep, err = i.pollStatus(ctx)
		if err != nil {
			return i.checkDeadline(ctx, err)
		}
	}
	switch rep.State {
	case StateDfuIdle:
		return nil
	case StateDfuDnloadIdle, StateDfuUploadIdle, StateDfuDnloadSync, StateDfuManifestSync:
		if err := i.Abort(ctx); err != nil {
			return err
		}
		st, err := i.GetState(ctx)
		if err != nil {
			return err
		}
		if st != StateDfuIdle {
			return fmt.Errorf("dfu: device stuck in %s after ABORT: %w", st, ErrInvalidTransition)
		}
		return nil
	default:
		return fmt.Errorf("dfu: device in %s, not in DFU mode: %w", rep.State, ErrInvalidTransition)
	}
}

// pollStatus is GetStatus with transport-timeout retries up to RetryLimit.
func (i *Initiator) pollStatus(ctx context.Context) (StatusReport, error) {
	var rep StatusReport
	var err error
	for attempt := 0; ; attempt++ {
		rep, err = i.GetStatus(ctx)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, ErrTimeout) || ctx.Err() != nil || attempt >= i.RetryLimit {
			return rep, err
		}
		i.stats.Retries++
	}
}

// recover handles a device-reported error status: read back the error,
// clear it, surface it.
func (i *Initiator) recover(ctx context.Context, rep StatusReport) error {
	i.stats.StatusErrors++
	if rep.State == StateDfuError {
		if err := i.ClearStatus(ctx); err != nil {
			return fmt.Errorf("dfu: clearing %s: %w", rep.Status, err)
		}
	}
	return &StatusError{Status: rep.Status, State: rep.State}
}

// checkDeadline converts a caller-deadline expiry into the abort-then-
// ErrTimeout contract; any other error passes through.
func (i *Initiator) checkDeadline(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return i.deadlineAbort()
	}
	return err
}

// deadlineAbort issues a best-effort ABORT outside the expired context and
// reports the overall timeout.
func (i *Initiator) deadlineAbort() error {
	abortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = i.Abort(abortCtx)
	return fmt.Errorf("dfu: session deadline exceeded: %w", ErrTimeout)
}

// manifestDisconnect reports whether a transport error is the expected
// device-gone signal after the terminating DNLOAD on a device that must
// reset to manifest.
func (i *Initiator) manifestDisconnect(err error) bool {
	return !i.desc.Attributes.ManifestationTolerant() && errors.Is(err, ErrDisconnected)
}

func (i *Initiator) report(phase string, block uint16, done, total int, st State) {
	if i.Progress == nil {
		return
	}
	i.Progress(ProgressEvent{Phase: phase, Block: block, BytesDone: done, BytesTotal: total, State: st})
}
