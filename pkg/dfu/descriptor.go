// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Emberfield Labs

package dfu

import "encoding/binary"

// FunctionalDescriptor is the DFU functional descriptor (descriptor type
// 0x21). It describes capability, not runtime state, and is immutable once
// read from the device.
//
// The wire form is 7 bytes, or 9 bytes when the trailing bcdDFUVersion field
// is present (usb_dfu1 layout).
type FunctionalDescriptor struct {
	Attributes    Attributes
	DetachTimeout uint16 // wDetachTimeOut, milliseconds
	TransferSize  uint16 // wTransferSize, maximum bytes per DNLOAD/UPLOAD block
	Version       uint16 // bcdDFUVersion; valid only when HasVersion is set
	HasVersion    bool
}

// Encode packs the descriptor into its wire form. Multi-byte fields are
// little-endian.
func (d FunctionalDescriptor) Encode() []byte {
	size := DescriptorSize
	if d.HasVersion {
		size = DescriptorSizeV1
	}
	buf := make([]byte, size)
	buf[0] = uint8(size)
	buf[1] = DescriptorTypeFunctional
	buf[2] = uint8(d.Attributes & attrMask)
	binary.LittleEndian.PutUint16(buf[3:5], d.DetachTimeout)
	binary.LittleEndian.PutUint16(buf[5:7], d.TransferSize)
	if d.HasVersion {
		binary.LittleEndian.PutUint16(buf[7:9], d.Version)
	}
	return buf
}

// DecodeFunctionalDescriptor parses a 7- or 9-byte functional descriptor.
// Any other buffer length fails with a LengthError; a wrong descriptor type
// byte fails with an UnknownCodeError.
func DecodeFunctionalDescriptor(buf []byte) (FunctionalDescriptor, error) {
	var d FunctionalDescriptor
	switch len(buf) {
	case DescriptorSize:
	case DescriptorSizeV1:
		d.HasVersion = true
	default:
		return d, &LengthError{Struct: "functional descriptor", Got: len(buf), Want: DescriptorSize}
	}
	if int(buf[0]) != len(buf) {
		return d, &LengthError{Struct: "functional descriptor", Got: len(buf), Want: int(buf[0])}
	}
	if buf[1] != DescriptorTypeFunctional {
		return d, &UnknownCodeError{Field: "bDescriptorType", Raw: buf[1]}
	}
	d.Attributes = Attributes(buf[2]) & attrMask
	d.DetachTimeout = binary.LittleEndian.Uint16(buf[3:5])
	d.TransferSize = binary.LittleEndian.Uint16(buf[5:7])
	if d.HasVersion {
		d.Version = binary.LittleEndian.Uint16(buf[7:9])
	}
	return d, nil
}
