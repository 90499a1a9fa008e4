// SPDX-License-Identifier: GPL-2.0-or-later

// Package rtph264 depacketizes H264 from RTP, RFC 6184.
package rtph264

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

type packetType uint8

const (
	packetTypeSTAPA  packetType = 24
	packetTypeSTAPB  packetType = 25
	packetTypeMTAP16 packetType = 26
	packetTypeMTAP24 packetType = 27
	packetTypeFUA    packetType = 28
	packetTypeFUB    packetType = 29
)

// ErrNonStartingPacketAndNoPrevious is returned when we decoded a non-starting
// packet of a fragmented NALU and we didn't received anything before.
// It's normal to receive this when joining a stream that is already running.
var ErrNonStartingPacketAndNoPrevious = errors.New(
	"decoded a non-starting fragmented packet without any previous starting packet")

// Errors.
var (
	ErrMorePacketsNeeded    = errors.New("need more packets")
	ErrShortPayload         = errors.New("payload is too short")
	ErrSTAPinvalid          = errors.New("invalid STAP-A packet (invalid size)")
	ErrSTAPnaluMissing      = errors.New("STAP-A packet doesn't contain any NALU")
	ErrFUinvalidSize        = errors.New("invalid FU-A packet (invalid size)")
	ErrFUinvalidNonStarting = errors.New("invalid FU-A packet (non-starting)")
	ErrFUinvalidStarting    = errors.New("invalid FU-A packet (decoded two starting packets in a row)")
	ErrFUpacketLost         = errors.New("FU-A packet lost")
	ErrFUtooLarge           = errors.New("FU-A NALU is too large")
	ErrTypeUnsupported      = errors.New("packet type not supported")
	ErrWrongType            = errors.New("expected FU-A packet, got another type")
)

// Decoder is a RTP/H264 decoder.
type Decoder struct {
	maxNALUSize int

	startingPacketReceived bool
	isDecodingFragmented   bool
	fragmentedBuffer       []byte
	lastSequenceNumber     uint16
}

// NewDecoder allocates a Decoder. Fragmented NALUs
// larger than maxNALUSize are discarded.
func NewDecoder(maxNALUSize int) *Decoder {
	return &Decoder{maxNALUSize: maxNALUSize}
}

// Decode decodes NALUs from a RTP/H264 packet.
// The returned NALUs may share memory with the packet payload.
func (d *Decoder) Decode(pkt *rtp.Packet) ([][]byte, error) {
	if d.isDecodingFragmented {
		return d.decodeFragmented(pkt)
	}
	return d.decodeUnfragmented(pkt)
}

func (d *Decoder) decodeFragmented(pkt *rtp.Packet) ([][]byte, error) {
	if pkt.SequenceNumber != d.lastSequenceNumber+1 {
		d.isDecodingFragmented = false
		return nil, fmt.Errorf("%w: expected %d, got %d",
			ErrFUpacketLost, d.lastSequenceNumber+1, pkt.SequenceNumber)
	}
	d.lastSequenceNumber = pkt.SequenceNumber

	if len(pkt.Payload) < 2 {
		d.isDecodingFragmented = false
		return nil, ErrFUinvalidSize
	}

	if packetType(pkt.Payload[0]&0x1F) != packetTypeFUA {
		d.isDecodingFragmented = false
		return nil, ErrWrongType
	}

	start := pkt.Payload[1] >> 7
	end := (pkt.Payload[1] >> 6) & 0x01

	if start == 1 {
		d.isDecodingFragmented = false
		return nil, ErrFUinvalidStarting
	}

	if len(d.fragmentedBuffer)+len(pkt.Payload[2:]) > d.maxNALUSize {
		d.isDecodingFragmented = false
		return nil, fmt.Errorf("%w: %d", ErrFUtooLarge, d.maxNALUSize)
	}
	d.fragmentedBuffer = append(d.fragmentedBuffer, pkt.Payload[2:]...)

	if end != 1 {
		return nil, ErrMorePacketsNeeded
	}

	d.isDecodingFragmented = false
	return [][]byte{d.fragmentedBuffer}, nil
}

func (d *Decoder) decodeUnfragmented(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) < 1 {
		return nil, ErrShortPayload
	}

	typ := packetType(pkt.Payload[0] & 0x1F)
	switch typ {
	case packetTypeSTAPA:
		nalus, err := splitSTAPA(pkt.Payload[1:])
		if err != nil {
			return nil, err
		}
		d.startingPacketReceived = true
		return nalus, nil

	case packetTypeFUA:
		if len(pkt.Payload) < 2 {
			return nil, ErrFUinvalidSize
		}

		start := pkt.Payload[1] >> 7
		if start != 1 {
			if !d.startingPacketReceived {
				return nil, ErrNonStartingPacketAndNoPrevious
			}
			return nil, ErrFUinvalidNonStarting
		}

		nri := (pkt.Payload[0] >> 5) & 0x03
		naluType := pkt.Payload[1] & 0x1F
		d.fragmentedBuffer = append([]byte{(nri << 5) | naluType}, pkt.Payload[2:]...)

		d.isDecodingFragmented = true
		d.startingPacketReceived = true
		d.lastSequenceNumber = pkt.SequenceNumber
		return nil, ErrMorePacketsNeeded

	case packetTypeSTAPB, packetTypeMTAP16,
		packetTypeMTAP24, packetTypeFUB:
		return nil, fmt.Errorf("%w (%v)", ErrTypeUnsupported, typ)
	}

	d.startingPacketReceived = true
	return [][]byte{pkt.Payload}, nil
}

func splitSTAPA(payload []byte) ([][]byte, error) {
	var nalus [][]byte
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, ErrSTAPinvalid
		}

		size := binary.BigEndian.Uint16(payload)
		payload = payload[2:]

		// Final padding.
		if size == 0 {
			break
		}

		if int(size) > len(payload) {
			return nil, ErrSTAPinvalid
		}

		nalus = append(nalus, payload[:size])
		payload = payload[size:]
	}

	if len(nalus) == 0 {
		return nil, ErrSTAPnaluMissing
	}
	return nalus, nil
}
