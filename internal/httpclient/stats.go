package httpclient

import "sync/atomic"

// Stats holds the client's running request counters.
type Stats struct {
	total         atomic.Int64
	successful    atomic.Int64
	failed        atomic.Int64
	memoryHits    atomic.Int64
	persistentHits atomic.Int64
	deduplicated  atomic.Int64
	retried       atomic.Int64
}

// Snapshot is an immutable read of Stats at one instant.
type Snapshot struct {
	Total          int64
	Successful     int64
	Failed         int64
	MemoryHits     int64
	PersistentHits int64
	Deduplicated   int64
	Retried        int64
	HitRate        float64
}

func (s *Stats) Snapshot() Snapshot {
	total := s.total.Load()
	mem := s.memoryHits.Load()
	pers := s.persistentHits.Load()

	var hitRate float64
	if total > 0 {
		hitRate = float64(mem+pers) / float64(total)
	}

	return Snapshot{
		Total:          total,
		Successful:     s.successful.Load(),
		Failed:         s.failed.Load(),
		MemoryHits:     mem,
		PersistentHits: pers,
		Deduplicated:   s.deduplicated.Load(),
		Retried:        s.retried.Load(),
		HitRate:        hitRate,
	}
}
