package imgcache

import (
	"math"
	"strconv"
	"sync/atomic"
)

// statsCollector backs the periodic stats log line. Body sizes are observed
// for hits and misses only.
type statsCollector struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	placeholders atomic.Uint64

	bodies    atomic.Uint64
	bodyBytes atomic.Uint64
	minBody   atomic.Uint64
	maxBody   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBody.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(d Disposition, bodyLen int) {
	switch d {
	case DispositionHit:
		s.hits.Add(1)
	case DispositionMiss:
		s.misses.Add(1)
	case DispositionPlaceholder:
		s.placeholders.Add(1)
		return
	default:
		return
	}

	n := uint64(max(bodyLen, 0))
	s.bodies.Add(1)
	s.bodyBytes.Add(n)
	for {
		cur := s.minBody.Load()
		if n >= cur || s.minBody.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBody.Load()
		if n <= cur || s.maxBody.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits         uint64
	Misses       uint64
	Placeholders uint64
	MinBody      uint64
	AvgBody      uint64
	MaxBody      uint64
}

// HitRatio is hits over hits+misses, 0 before the first image request.
func (ss statsSnapshot) HitRatio() float64 {
	total := ss.Hits + ss.Misses
	if total == 0 {
		return 0
	}
	return float64(ss.Hits) / float64(total)
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Placeholders: s.placeholders.Load(),
	}
	count := s.bodies.Load()
	if count == 0 {
		return ss
	}
	ss.MinBody = s.minBody.Load()
	if ss.MinBody == math.MaxUint64 {
		ss.MinBody = 0
	}
	ss.MaxBody = s.maxBody.Load()
	ss.AvgBody = s.bodyBytes.Load() / count
	return ss
}

var byteUnits = []string{"b", "kb", "mb", "gb", "tb"}

// formatBytes renders b with binary units and at most one decimal, the
// inverse of parseBytes for log lines: 1536 → "1.5kb".
func formatBytes(b uint64) string {
	v, unit := float64(b), 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	if unit == 0 {
		return strconv.FormatUint(b, 10) + byteUnits[0]
	}
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64) + byteUnits[unit]
}
