// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import "sync"

// ParamSets keeps the latest SPS and PPS seen in a stream.
// It is safe for concurrent use.
type ParamSets struct {
	sps     []byte
	pps     []byte
	spsInfo *SPS

	mu sync.Mutex
}

// Observe records the unit if it is a parameter set.
// Returns true if the SPS or PPS changed.
func (p *ParamSets) Observe(u Unit) bool {
	nalu := u.NALU()
	switch TypeOf(nalu) {
	case NALUTypeSPS:
		p.mu.Lock()
		defer p.mu.Unlock()
		if string(p.sps) == string(nalu) {
			return false
		}
		p.sps = append([]byte(nil), nalu...)

		var info SPS
		if err := info.Unmarshal(p.sps); err != nil {
			p.spsInfo = nil
		} else {
			p.spsInfo = &info
		}
		return true

	case NALUTypePPS:
		p.mu.Lock()
		defer p.mu.Unlock()
		if string(p.pps) == string(nalu) {
			return false
		}
		p.pps = append([]byte(nil), nalu...)
		return true
	}
	return false
}

// Set replaces the parameter sets, used when they are known out of band.
func (p *ParamSets) Set(sps []byte, pps []byte) {
	if sps != nil {
		p.Observe(Unit{Payload: AnnexBEncode([][]byte{sps})})
	}
	if pps != nil {
		p.Observe(Unit{Payload: AnnexBEncode([][]byte{pps})})
	}
}

// Get returns copies of the latest SPS and PPS, nil if not seen yet.
func (p *ParamSets) Get() ([]byte, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.sps...), append([]byte(nil), p.pps...)
}

// SPSInfo returns the decoded SPS, nil if missing or invalid.
func (p *ParamSets) SPSInfo() *SPS {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spsInfo == nil {
		return nil
	}
	info := *p.spsInfo
	return &info
}
