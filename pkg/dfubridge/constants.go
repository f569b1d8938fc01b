// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

// Package dfubridge frames DFU control transfers over plain byte streams.
//
// USB carries DFU on control transfers, but bootloaders behind serial
// bridges and remote websocket proxies only expose a byte pipe. dfubridge
// defines the framing both sides speak: byte-stuffed frames with a CRC-16
// trailer carrying a small CBOR envelope per control exchange. The package
// provides both halves: a Transport for the initiator side and a Serve
// loop pumping decoded requests into a device-side Responder.
package dfubridge

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits. MaxDataSize bounds the DFU block payload inside one
// frame and therefore the usable wTransferSize over a bridge.
const (
	MaxDataSize  = 16384
	maxEnvelope  = MaxDataSize + 64 // CBOR overhead on top of the block
	MaxFrameSize = 2 + maxEnvelope + 2
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Envelope kinds
const (
	KindRequest  = 0x01
	KindResponse = 0x02
	KindStall    = 0x03 // device refused the request
	KindGone     = 0x04 // device left the bus (reset pending)
)

// ReqDescribe is a bridge-local pseudo-request answered with the device's
// encoded functional descriptor. It lives outside the DFU request range so
// it can never collide with a class request.
const ReqDescribe uint8 = 0x10

// Decoder states (internal)
const (
	stateIdle = iota
	stateLenLo
	stateLenHi
	statePayload
	stateCRC1
	stateCRC2
)
