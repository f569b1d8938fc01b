// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakeBackend records the call sequence and injects faults on demand.
type fakeBackend struct {
	calls       []string
	image       []byte
	blockSize   int
	failBlock   int // block index to fail WriteBlock on, -1 for none
	failFault   BackendFault
	failCommit  bool
	uploadImage []byte
}

func newFakeBackend(blockSize int) *fakeBackend {
	return &fakeBackend{blockSize: blockSize, failBlock: -1}
}

func (f *fakeBackend) WriteBlock(block uint16, data []byte) error {
	f.calls = append(f.calls, "write")
	if int(block) == f.failBlock {
		return &BackendError{Fault: f.failFault}
	}
	f.image = append(f.image, data...)
	return nil
}

func (f *fakeBackend) ReadBlock(block uint16, maxLen int) ([]byte, error) {
	f.calls = append(f.calls, "read")
	off := int(block) * f.blockSize
	if off >= len(f.uploadImage) {
		return nil, nil
	}
	end := off + maxLen
	if end > len(f.uploadImage) {
		end = len(f.uploadImage)
	}
	return f.uploadImage[off:end], nil
}

func (f *fakeBackend) CommitManifestation() error {
	f.calls = append(f.calls, "commit")
	if f.failCommit {
		return &BackendError{Fault: FaultFirmware}
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestResponder(t *testing.T, attrs Attributes, backend MemoryBackend, clock *fakeClock, latency time.Duration) *Responder {
	t.Helper()
	return NewResponder(ResponderConfig{
		Descriptor: FunctionalDescriptor{
			Attributes:   attrs,
			TransferSize: 64,
		},
		Backend:        backend,
		ProgramLatency: latency,
		Clock:          clock.now,
	})
}

func getStatus(t *testing.T, r *Responder) StatusReport {
	t.Helper()
	buf, err := r.Handle(ReqGetStatus, 0, nil, StatusSize)
	if err != nil {
		t.Fatalf("GETSTATUS stalled: %v", err)
	}
	rep, err := DecodeStatus(buf)
	if err != nil {
		t.Fatalf("GETSTATUS decode: %v", err)
	}
	return rep
}

// Full 3-block download, last block short: exactly 3 writes then 1 commit,
// in order, ending back in dfuIDLE.
func TestResponder_FullDownloadSession(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload|AttrManifestationTolerant, backend, clock, 0)

	image := bytes.Repeat([]byte{0xA5}, 64*2+17)
	for block := 0; block*64 < len(image); block++ {
		end := (block + 1) * 64
		if end > len(image) {
			end = len(image)
		}
		if _, err := r.Handle(ReqDnload, uint16(block), image[block*64:end], 0); err != nil {
			t.Fatalf("DNLOAD block %d stalled: %v", block, err)
		}
		rep := getStatus(t, r)
		if !rep.Status.OK() {
			t.Fatalf("block %d: status %s", block, rep.Status)
		}
		if rep.State != StateDfuDnloadIdle {
			t.Fatalf("block %d: state %s, want dfuDNLOAD-IDLE", block, rep.State)
		}
	}

	if _, err := r.Handle(ReqDnload, 3, nil, 0); err != nil {
		t.Fatalf("terminating DNLOAD stalled: %v", err)
	}
	if r.State() != StateDfuManifestSync {
		t.Fatalf("state after terminator = %s", r.State())
	}
	rep := getStatus(t, r)
	if rep.State != StateDfuIdle || !rep.Status.OK() {
		t.Fatalf("after manifest: state=%s status=%s", rep.State, rep.Status)
	}

	want := []string{"write", "write", "write", "commit"}
	if len(backend.calls) != len(want) {
		t.Fatalf("backend calls = %v, want %v", backend.calls, want)
	}
	for i := range want {
		if backend.calls[i] != want[i] {
			t.Fatalf("backend calls = %v, want %v", backend.calls, want)
		}
	}
	if !bytes.Equal(backend.image, image) {
		t.Error("backend image does not match downloaded data")
	}
}

// A write failure on block 2 drives dfuERROR with errWRITE; CLRSTATUS
// recovers to dfuIDLE with OK.
func TestResponder_WriteFailureRecovery(t *testing.T) {
	backend := newFakeBackend(64)
	backend.failBlock = 2
	backend.failFault = FaultWrite
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload, backend, clock, 0)

	chunk := bytes.Repeat([]byte{0x11}, 64)
	for block := uint16(0); block < 3; block++ {
		if _, err := r.Handle(ReqDnload, block, chunk, 0); err != nil {
			t.Fatalf("DNLOAD block %d stalled: %v", block, err)
		}
		rep := getStatus(t, r)
		if block < 2 {
			if !rep.Status.OK() {
				t.Fatalf("block %d: unexpected status %s", block, rep.Status)
			}
			continue
		}
		if rep.State != StateDfuError {
			t.Fatalf("block 2: state = %s, want dfuERROR", rep.State)
		}
		if rep.Status != StatusErrWrite {
			t.Fatalf("block 2: status = %s, want errWRITE", rep.Status)
		}
	}

	// Everything except CLRSTATUS (and the status reads) stalls now.
	if _, err := r.Handle(ReqDnload, 3, chunk, 0); !errors.Is(err, ErrStalled) {
		t.Errorf("DNLOAD in dfuERROR: err = %v, want ErrStalled", err)
	}
	if _, err := r.Handle(ReqClrStatus, 0, nil, 0); err != nil {
		t.Fatalf("CLRSTATUS stalled: %v", err)
	}
	rep := getStatus(t, r)
	if rep.State != StateDfuIdle || rep.Status != StatusOK {
		t.Errorf("after CLRSTATUS: state=%s status=%s", rep.State, rep.Status)
	}
}

// Poll timeout is nonzero exactly while a programming operation is pending.
func TestResponder_PollTimeoutSemantics(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload|AttrManifestationTolerant, backend, clock, 50*time.Millisecond)

	rep := getStatus(t, r)
	if rep.PollTimeout != 0 {
		t.Errorf("idle poll timeout = %d, want 0", rep.PollTimeout)
	}

	if _, err := r.Handle(ReqDnload, 0, []byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("DNLOAD stalled: %v", err)
	}
	rep = getStatus(t, r)
	if rep.State != StateDfuDnbusy {
		t.Fatalf("state = %s, want dfuDNBUSY", rep.State)
	}
	if rep.PollTimeout == 0 || rep.PollTimeout > 50 {
		t.Errorf("busy poll timeout = %d ms, want (0, 50]", rep.PollTimeout)
	}

	// Re-polling before the interval elapses is a protocol violation and
	// stalls.
	clock.advance(10 * time.Millisecond)
	if _, err := r.Handle(ReqGetStatus, 0, nil, StatusSize); !errors.Is(err, ErrStalled) {
		t.Errorf("early poll: err = %v, want ErrStalled", err)
	}

	clock.advance(50 * time.Millisecond)
	rep = getStatus(t, r)
	if rep.State != StateDfuDnloadIdle {
		t.Errorf("state after interval = %s, want dfuDNLOAD-IDLE", rep.State)
	}
	if rep.PollTimeout != 0 {
		t.Errorf("poll timeout after commit = %d, want 0", rep.PollTimeout)
	}
	if len(backend.calls) != 1 || backend.calls[0] != "write" {
		t.Errorf("backend calls = %v, want one write", backend.calls)
	}
}

// DNLOAD with wLength = 0 in dfuIDLE has no transfer to terminate: the
// responder stalls it, records errSTALLEDPKT, and stays in dfuIDLE.
func TestResponder_ZeroDnloadInIdle(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload, backend, clock, 0)

	_, err := r.Handle(ReqDnload, 0, nil, 0)
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, want ErrStalled", err)
	}
	if r.State() != StateDfuIdle {
		t.Errorf("state = %s, want dfuIDLE", r.State())
	}
	if r.Status() != StatusErrStalledPkt {
		t.Errorf("status = %s, want errSTALLEDPKT", r.Status())
	}
}

func TestResponder_UploadSession(t *testing.T) {
	backend := newFakeBackend(64)
	backend.uploadImage = bytes.Repeat([]byte{0x3C}, 64+10)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload|AttrCanUpload, backend, clock, 0)

	b0, err := r.Handle(ReqUpload, 0, nil, 64)
	if err != nil {
		t.Fatalf("UPLOAD block 0 stalled: %v", err)
	}
	if len(b0) != 64 {
		t.Fatalf("block 0 length = %d, want 64", len(b0))
	}
	if r.State() != StateDfuUploadIdle {
		t.Fatalf("state = %s, want dfuUPLOAD-IDLE", r.State())
	}

	b1, err := r.Handle(ReqUpload, 1, nil, 64)
	if err != nil {
		t.Fatalf("UPLOAD block 1 stalled: %v", err)
	}
	if len(b1) != 10 {
		t.Fatalf("block 1 length = %d, want 10 (short)", len(b1))
	}
	if r.State() != StateDfuIdle {
		t.Errorf("state after short block = %s, want dfuIDLE", r.State())
	}
}

func TestResponder_UploadWithoutCapability(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload, backend, clock, 0)

	if _, err := r.Handle(ReqUpload, 0, nil, 64); err == nil {
		t.Fatal("UPLOAD without CAN_UPLOAD should stall")
	}
	if r.State() != StateDfuError {
		t.Errorf("state = %s, want dfuERROR after capability violation", r.State())
	}
	if r.Status() != StatusErrStalledPkt {
		t.Errorf("status = %s, want errSTALLEDPKT", r.Status())
	}
}

// Non-tolerant device: manifestation ends in dfuMANIFEST-WAIT-RESET and the
// responder asks for a bus reset.
func TestResponder_NonTolerantManifest(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := NewResponder(ResponderConfig{
		Descriptor: FunctionalDescriptor{
			Attributes:   AttrCanDownload,
			TransferSize: 64,
		},
		Backend:         backend,
		ManifestLatency: 100 * time.Millisecond,
		Clock:           clock.now,
	})

	if _, err := r.Handle(ReqDnload, 0, []byte{1}, 0); err != nil {
		t.Fatalf("DNLOAD stalled: %v", err)
	}
	getStatus(t, r)
	if _, err := r.Handle(ReqDnload, 1, nil, 0); err != nil {
		t.Fatalf("terminator stalled: %v", err)
	}

	rep := getStatus(t, r)
	if rep.State != StateDfuManifest {
		t.Fatalf("state = %s, want dfuMANIFEST", rep.State)
	}
	if rep.PollTimeout == 0 {
		t.Error("manifest poll timeout should be nonzero")
	}
	if r.AwaitingReset() {
		t.Error("AwaitingReset before latency elapsed")
	}

	clock.advance(150 * time.Millisecond)
	if !r.AwaitingReset() {
		t.Fatal("AwaitingReset after manifestation should be true")
	}
	if r.State() != StateDfuManifestWaitReset {
		t.Fatalf("state = %s, want dfuMANIFEST-WAIT-RESET", r.State())
	}

	r.BusReset()
	if r.State() != StateDfuIdle {
		t.Errorf("state after bus reset = %s, want dfuIDLE", r.State())
	}

	// Writes before the commit, commit after the latency.
	want := []string{"write", "commit"}
	for i := range want {
		if i >= len(backend.calls) || backend.calls[i] != want[i] {
			t.Fatalf("backend calls = %v, want %v", backend.calls, want)
		}
	}
}

func TestResponder_AbortDiscardsSession(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := newTestResponder(t, AttrCanDownload, backend, clock, 0)

	if _, err := r.Handle(ReqDnload, 0, []byte{1, 2}, 0); err != nil {
		t.Fatalf("DNLOAD stalled: %v", err)
	}
	if _, err := r.Handle(ReqAbort, 0, nil, 0); err != nil {
		t.Fatalf("ABORT stalled: %v", err)
	}
	if r.State() != StateDfuIdle {
		t.Errorf("state after ABORT = %s, want dfuIDLE", r.State())
	}
	// The staged block is discarded, never written.
	for _, c := range backend.calls {
		if c == "write" {
			t.Error("aborted block reached the backend")
		}
	}
}

func TestResponder_DetachFlow(t *testing.T) {
	backend := newFakeBackend(64)
	clock := &fakeClock{t: time.Unix(100, 0)}
	r := NewResponder(ResponderConfig{
		Descriptor: FunctionalDescriptor{
			Attributes:   AttrCanDownload | AttrWillDetach,
			TransferSize: 64,
		},
		Backend:        backend,
		StartInAppMode: true,
		Clock:          clock.now,
	})

	if r.State() != StateAppIdle {
		t.Fatalf("initial state = %s, want appIDLE", r.State())
	}
	if _, err := r.Handle(ReqDetach, 1000, nil, 0); err != nil {
		t.Fatalf("DETACH stalled: %v", err)
	}
	if r.State() != StateAppDetach {
		t.Fatalf("state = %s, want appDETACH", r.State())
	}
	r.BusReset()
	if r.State() != StateDfuIdle {
		t.Errorf("state after reset = %s, want dfuIDLE", r.State())
	}
}
