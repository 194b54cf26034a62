// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"encoding/binary"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/luxfi/settle/wire"
)

// Transport is the engine's view of the cross-chain messaging layer.
// Delivery is assumed at-least-once and order-preserving per channel, with
// unbounded latency; the engine's handlers are idempotent by status check,
// so duplicated deliveries are harmless.
type Transport interface {
	// Quote returns the fee for sending a message of the given type and
	// payload size to dst.
	Quote(dst DomainID, msgType byte, payloadSize int) (*uint256.Int, error)
	// Send dispatches the payload to dst and returns a message GUID.
	Send(dst DomainID, payload []byte, fee *uint256.Int) (common.Hash, error)
}

// Receiver is the inbound half wired to a transport endpoint.
type Receiver interface {
	OnReceive(origin DomainID, payload []byte) error
}

// =========================================================================
// Loopback transport
// =========================================================================

// Frame is one recorded delivery, kept so tests can replay messages to
// exercise at-least-once semantics.
type Frame struct {
	Origin  DomainID
	Dst     DomainID
	Payload []byte // framed (padded) payload
	Err     error  // receiver error from the original delivery, if any
}

// LoopbackTransport connects in-process engines. Payloads are framed to
// 32-byte words on send and unframed before delivery, mirroring a
// word-aligned messaging layer. Delivery is synchronous but receiver errors
// do not propagate to the sender, matching asynchronous transport semantics.
type LoopbackTransport struct {
	mu        sync.Mutex
	endpoints map[DomainID]Receiver
	frames    []Frame
	baseFee   uint64
	perByte   uint64
	nonce     uint64
}

// NewLoopbackTransport creates a loopback with the given fee schedule.
func NewLoopbackTransport(baseFee, perByte uint64) *LoopbackTransport {
	return &LoopbackTransport{
		endpoints: make(map[DomainID]Receiver),
		baseFee:   baseFee,
		perByte:   perByte,
	}
}

// Register wires the receiver for a domain.
func (lt *LoopbackTransport) Register(domain DomainID, r Receiver) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.endpoints[domain] = r
}

// Endpoint returns the Transport handle for a sender on origin.
func (lt *LoopbackTransport) Endpoint(origin DomainID) Transport {
	return &loopbackEndpoint{lt: lt, origin: origin}
}

// Frames returns the recorded deliveries.
func (lt *LoopbackTransport) Frames() []Frame {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]Frame, len(lt.frames))
	copy(out, lt.frames)
	return out
}

// Replay redelivers frame i, duplicating a past delivery.
func (lt *LoopbackTransport) Replay(i int) error {
	lt.mu.Lock()
	frame := lt.frames[i]
	r := lt.endpoints[frame.Dst]
	lt.mu.Unlock()

	if r == nil {
		return ErrNoTransport
	}
	payload, err := wire.UnpackPayload(frame.Payload)
	if err != nil {
		return err
	}
	return r.OnReceive(frame.Origin, payload)
}

type loopbackEndpoint struct {
	lt     *LoopbackTransport
	origin DomainID
}

func (ep *loopbackEndpoint) Quote(dst DomainID, msgType byte, payloadSize int) (*uint256.Int, error) {
	fee := uint256.NewInt(ep.lt.baseFee)
	fee.Add(fee, uint256.NewInt(ep.lt.perByte*uint64(payloadSize)))
	return fee, nil
}

func (ep *loopbackEndpoint) Send(dst DomainID, payload []byte, fee *uint256.Int) (common.Hash, error) {
	ep.lt.mu.Lock()
	r := ep.lt.endpoints[dst]
	if r == nil {
		ep.lt.mu.Unlock()
		return common.Hash{}, ErrNoTransport
	}

	framed := wire.PackPayload(payload)
	ep.lt.nonce++
	guid := messageGUID(ep.origin, dst, ep.lt.nonce, framed)

	frame := Frame{Origin: ep.origin, Dst: dst, Payload: framed}
	ep.lt.mu.Unlock()

	// Deliver outside the transport lock; the receiver error stays with the
	// frame, not the sender.
	unpacked, err := wire.UnpackPayload(framed)
	if err == nil {
		err = r.OnReceive(ep.origin, unpacked)
	}
	frame.Err = err

	ep.lt.mu.Lock()
	ep.lt.frames = append(ep.lt.frames, frame)
	ep.lt.mu.Unlock()

	return guid, nil
}

// messageGUID derives a deterministic delivery identifier.
func messageGUID(origin, dst DomainID, nonce uint64, payload []byte) common.Hash {
	h := blake3.New()

	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(origin))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(dst))
	binary.BigEndian.PutUint64(hdr[8:16], nonce)
	h.Write(hdr[:])
	h.Write(payload)

	var guid common.Hash
	copy(guid[:], h.Sum(nil))
	return guid
}
