// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire frames settlement payloads for transports that carry
// 32-byte-word-aligned data. A payload is terminated with a delimiter byte
// and right-padded with zeros to a word boundary; unpacking strips the
// padding and validates the framing before the payload is interpreted.
package wire

import (
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
)

var (
	ErrAllZeroPayload   = errors.New("framed payload is all zero bytes")
	ErrInvalidPadding   = errors.New("framed payload has invalid padding")
	ErrInvalidDelimiter = errors.New("framed payload missing end delimiter")
)

// EndByte is the delimiter byte marking the end of the framed payload.
const EndByte = byte(0xff)

// PackPayload appends the end delimiter and right-pads to a 32-byte
// boundary.
func PackPayload(payload []byte) []byte {
	withDelimiter := append(payload, EndByte)
	paddedLength := (len(withDelimiter) + 31) / 32 * 32
	padded := make([]byte, paddedLength)
	copy(padded, withDelimiter)
	return padded
}

// UnpackPayload strips the right-padded zeros and the end delimiter,
// returning the original payload.
func UnpackPayload(padded []byte) ([]byte, error) {
	trimmed := common.TrimRightZeroes(padded)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrAllZeroPayload, padded)
	}

	if expected := (len(trimmed) + 31) / 32 * 32; expected != len(padded) {
		return nil, fmt.Errorf("%w: got length (%d), expected length (%d)", ErrInvalidPadding, len(padded), expected)
	}

	if trimmed[len(trimmed)-1] != EndByte {
		return nil, ErrInvalidDelimiter
	}

	return trimmed[:len(trimmed)-1], nil
}
