package usbms

import (
	"errors"
	"fmt"
)

// The following is borrowed from
// https://github.com/monogon-dev/monogon/blob/main/metropolis/pkg/scsi/scsi.go
// and cut down to the commands a mass storage LUN needs for sector I/O.
//
// Copyright 2023 The Monogon Project Authors.
// SPDX-License-Identifier: Apache-2.0

// OperationCode contains the code of the command to be called
type OperationCode uint8

const (
	InquiryOp        OperationCode = 0x12
	ReadCapacity10Op OperationCode = 0x25
	Read10Op         OperationCode = 0x28
	Write10Op        OperationCode = 0x2a
)

type DataTransferDirection uint8

const (
	DataTransferNone DataTransferDirection = iota
	DataTransferToDevice
	DataTransferFromDevice
	DataTransferBidirectional
)

// CommandDataBuffer represents a command
type CommandDataBuffer struct {
	OperationCode OperationCode
	// Request contains the OperationCode-specific request parameters
	Request []byte
	// Control contains common CDB metadata
	Control uint8
	// DataTransferDirection contains the direction(s) of the data transfer(s)
	// to be made.
	DataTransferDirection DataTransferDirection
	// Data contains the data to be transferred. If data needs to be received
	// from the device, a buffer needs to be provided here.
	Data []byte
}

// Bytes returns the raw CDB to be sent to the device. Only the CDB6 and
// CDB10 groups are encoded.
func (c *CommandDataBuffer) Bytes() ([]byte, error) {
	switch {
	case c.OperationCode < 0x20:
		// CDB6
		if len(c.Request) != 4 {
			return nil, fmt.Errorf("CDB6 request size is %d bytes, needs to be 4 bytes without LengthField", len(c.Request))
		}

		outBuf := make([]byte, 6)
		outBuf[0] = uint8(c.OperationCode)
		copy(outBuf[1:5], c.Request)
		outBuf[5] = c.Control
		return outBuf, nil
	case c.OperationCode < 0x60:
		// CDB10
		if len(c.Request) != 8 {
			return nil, fmt.Errorf("CDB10 request size is %d bytes, needs to be 8 bytes", len(c.Request))
		}

		outBuf := make([]byte, 10)
		outBuf[0] = uint8(c.OperationCode)
		copy(outBuf[1:9], c.Request)
		outBuf[9] = c.Control
		return outBuf, nil
	default:
		return nil, errors.New("unable to encode CDB for given OperationCode")
	}
}
