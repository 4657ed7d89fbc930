package flow

import "math"

// DirectionalStat tracks running mean/stddev inputs (sum and sum of
// squares) for one direction of one measured quantity, grounded on
// PacketStatistics's per-direction square-sum accumulators.
type DirectionalStat struct {
	count  uint64
	sum    float64
	sqrSum float64
}

// Add records one sample.
func (s *DirectionalStat) Add(v float64) {
	s.count++
	s.sum += v
	s.sqrSum += v * v
}

// Count returns the number of samples recorded.
func (s *DirectionalStat) Count() uint64 { return s.count }

// Mean returns the running mean, or 0 if no samples were recorded.
func (s *DirectionalStat) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// StdDev returns the running population standard deviation.
func (s *DirectionalStat) StdDev() float64 {
	if s.count == 0 {
		return 0
	}
	mean := s.Mean()
	variance := s.sqrSum/float64(s.count) - mean*mean
	if variance < 0 {
		variance = 0 // guards against floating-point drift
	}
	return math.Sqrt(variance)
}

// PacketStatistics tracks optional detailed per-direction size and
// inter-arrival-time statistics for a flow, enabled only when a stage
// requests detailed statistics (BasicFlow.packet/enableDetailedStatistics
// in the original keep this separate from the always-on byte/packet
// counters).
type PacketStatistics struct {
	SizeUL, SizeDL DirectionalStat
	IATUL, IATDL   DirectionalStat

	lastUL, lastDL     float64
	haveLastUL, haveLastDL bool
}

// NewPacketStatistics returns an empty statistics tracker.
func NewPacketStatistics() *PacketStatistics {
	return &PacketStatistics{}
}

// Packet registers one packet of length bytes observed at tsSeconds
// (seconds since epoch, fractional) travelling uplink or downlink.
func (p *PacketStatistics) Packet(tsSeconds float64, uplink bool, length uint64) {
	if uplink {
		p.SizeUL.Add(float64(length))
		if p.haveLastUL {
			p.IATUL.Add(tsSeconds - p.lastUL)
		}
		p.lastUL = tsSeconds
		p.haveLastUL = true
		return
	}
	p.SizeDL.Add(float64(length))
	if p.haveLastDL {
		p.IATDL.Add(tsSeconds - p.lastDL)
	}
	p.lastDL = tsSeconds
	p.haveLastDL = true
}
