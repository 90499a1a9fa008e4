// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import "bytes"

// Unit is a NALU as found in an Annex-B byte stream,
// the payload includes the leading start code.
type Unit struct {
	Payload     []byte
	IsSyncPoint bool
}

// NALU returns the payload without start code.
func (u Unit) NALU() []byte {
	return StripStartCode(u.Payload)
}

// Type returns the NALU type.
func (u Unit) Type() NALUType {
	return TypeOf(u.NALU())
}

func newUnit(buf []byte) Unit {
	payload := make([]byte, len(buf))
	copy(payload, buf)
	return Unit{
		Payload:     payload,
		IsSyncPoint: TypeOf(StripStartCode(payload)).IsSyncPoint(),
	}
}

// Parser splits an Annex-B byte stream into units. Chunks can be split
// at arbitrary positions, the bytes after the last start code are kept
// until the next start code arrives. Parser is not safe for concurrent use.
type Parser struct {
	carry []byte

	// synced is true when carry begins with a start code.
	synced bool

	// scanFrom is the position in carry where
	// the search for the next start code resumes.
	scanFrom int

	maxCarry int
	dropped  int
}

// NewParser returns a parser that drops incomplete units larger than MaxNALUSize.
func NewParser() *Parser {
	return NewParserSize(MaxNALUSize)
}

// NewParserSize returns a parser that drops incomplete units larger than maxCarry.
func NewParserSize(maxCarry int) *Parser {
	if maxCarry < 4 {
		maxCarry = 4
	}
	return &Parser{maxCarry: maxCarry}
}

var startCode3 = []byte{0x00, 0x00, 0x01}

// findStartCode returns the position of the first start code that begins
// at or after from-1, a 4 byte start code begins at its extra zero byte.
func findStartCode(buf []byte, from int) int {
	if from >= len(buf) {
		return -1
	}
	i := bytes.Index(buf[from:], startCode3)
	if i == -1 {
		return -1
	}
	i += from
	if i > 0 && buf[i-1] == 0 {
		return i - 1
	}
	return i
}

func startCodeSize(buf []byte) int {
	if len(buf) >= 4 && buf[2] == 0 {
		return 4
	}
	return 3
}

// Feed appends chunk to the stream and returns the units it completed.
func (p *Parser) Feed(chunk []byte) []Unit {
	p.carry = append(p.carry, chunk...)

	if !p.synced {
		pos := findStartCode(p.carry, p.scanFrom)
		if pos == -1 {
			p.keepTail()
			return nil
		}
		p.dropped += pos
		p.compact(pos)
		p.synced = true
		p.scanFrom = 0
	}

	var units []Unit
	head := 0
	for {
		from := head + startCodeSize(p.carry[head:])
		if p.scanFrom > from {
			from = p.scanFrom
		}
		next := findStartCode(p.carry, from)
		if next == -1 {
			break
		}
		units = append(units, newUnit(p.carry[head:next]))
		head = next
		p.scanFrom = 0
	}
	p.compact(head)

	// A match can straddle the end of carry.
	p.scanFrom = len(p.carry) - 2
	if p.scanFrom < 0 {
		p.scanFrom = 0
	}

	if len(p.carry) > p.maxCarry {
		// Unterminated unit is too large, drop it and wait for the next start code.
		p.synced = false
		p.keepTail()
	}
	return units
}

// Flush returns the unterminated unit at the end of the stream and resets the parser.
func (p *Parser) Flush() []Unit {
	var units []Unit
	if p.synced && len(p.carry) != 0 {
		units = append(units, newUnit(p.carry))
	} else {
		p.dropped += len(p.carry)
	}
	p.carry = p.carry[:0]
	p.synced = false
	p.scanFrom = 0
	return units
}

// Dropped returns the number of bytes that were discarded because
// they did not belong to any unit or the unit was too large.
func (p *Parser) Dropped() int {
	return p.dropped
}

// keepTail keeps the last bytes that may be the beginning of a start code.
func (p *Parser) keepTail() {
	const tail = 3
	if len(p.carry) <= tail {
		p.scanFrom = 0
		return
	}
	p.dropped += len(p.carry) - tail
	p.compact(len(p.carry) - tail)
	p.scanFrom = 0
}

// compact removes the first n bytes from carry.
func (p *Parser) compact(n int) {
	if n == 0 {
		return
	}
	m := copy(p.carry, p.carry[n:])
	p.carry = p.carry[:m]
}
