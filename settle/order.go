// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Canonical order encoding, 168 bytes:
//
//	offerer(20) || recipient(20) || inputToken(20) || outputToken(20) ||
//	inputAmount(32) || outputAmount(32) || startTime(8) || endTime(8) ||
//	srcDomain(4) || dstDomain(4)
//
// The encoding doubles as the persisted registry record, so the order hash
// and storage share one codec.

// EncodeOrder returns the canonical fixed-width encoding of o.
func EncodeOrder(o *Order) []byte {
	buf := make([]byte, 0, orderEncodingSize)
	buf = append(buf, o.Offerer[:]...)
	buf = append(buf, o.Recipient[:]...)
	buf = append(buf, o.InputToken[:]...)
	buf = append(buf, o.OutputToken[:]...)

	in := o.InputAmount.Bytes32()
	out := o.OutputAmount.Bytes32()
	buf = append(buf, in[:]...)
	buf = append(buf, out[:]...)

	var times [16]byte
	binary.BigEndian.PutUint64(times[0:8], o.StartTime)
	binary.BigEndian.PutUint64(times[8:16], o.EndTime)
	buf = append(buf, times[:]...)

	var domains [8]byte
	binary.BigEndian.PutUint32(domains[0:4], uint32(o.SrcDomain))
	binary.BigEndian.PutUint32(domains[4:8], uint32(o.DstDomain))
	buf = append(buf, domains[:]...)

	return buf
}

// DecodeOrder parses a canonical encoding produced by EncodeOrder.
func DecodeOrder(data []byte) (*Order, error) {
	if len(data) != orderEncodingSize {
		return nil, ErrInvalidPayload
	}

	o := &Order{
		InputAmount:  new(uint256.Int).SetBytes(data[80:112]),
		OutputAmount: new(uint256.Int).SetBytes(data[112:144]),
		StartTime:    binary.BigEndian.Uint64(data[144:152]),
		EndTime:      binary.BigEndian.Uint64(data[152:160]),
		SrcDomain:    DomainID(binary.BigEndian.Uint32(data[160:164])),
		DstDomain:    DomainID(binary.BigEndian.Uint32(data[164:168])),
	}
	copy(o.Offerer[:], data[0:20])
	copy(o.Recipient[:], data[20:40])
	copy(o.InputToken[:], data[40:60])
	copy(o.OutputToken[:], data[60:80])

	return o, nil
}

// HashOrder returns the deterministic identity of o: the blake3 hash of its
// canonical encoding. This hash is the sole key used by the registry, the
// ledger locks and the message protocol.
func HashOrder(o *Order) common.Hash {
	h := blake3.New()
	h.Write(EncodeOrder(o))

	var id common.Hash
	copy(id[:], h.Sum(nil))
	return id
}

// ValidateOrder checks the order's static well-formedness: non-zero amounts
// within the 128-bit balance limit and a non-empty activity window.
func ValidateOrder(o *Order) error {
	if o.InputAmount == nil || o.OutputAmount == nil ||
		o.InputAmount.IsZero() || o.OutputAmount.IsZero() {
		return ErrZeroAmount
	}
	if o.InputAmount.Gt(MaxBalance) || o.OutputAmount.Gt(MaxBalance) {
		return ErrAmountTooLarge
	}
	if o.EndTime <= o.StartTime {
		return ErrInvalidWindow
	}
	return nil
}
