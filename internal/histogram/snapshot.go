package histogram

import "time"

// Bucket is one row of a snapshot. Low and High are in Unit.
type Bucket struct {
	Index int
	Low   uint64
	High  uint64
	Count uint64
}

// Snapshot is a read-only copy of a histogram, ordered by bucket index.
type Snapshot struct {
	Unit    time.Duration
	Buckets []Bucket
}

// Total returns the number of samples in the snapshot.
func (s Snapshot) Total() uint64 {
	var n uint64
	for _, b := range s.Buckets {
		n += b.Count
	}
	return n
}

// Empty reports whether no sample was recorded.
func (s Snapshot) Empty() bool {
	return s.Total() == 0
}

// Add merges o into a copy of s. Both must have the same bucket layout.
func (s Snapshot) Add(o Snapshot) Snapshot {
	out := Snapshot{Unit: s.Unit, Buckets: make([]Bucket, len(s.Buckets))}
	copy(out.Buckets, s.Buckets)
	for i := range out.Buckets {
		if i < len(o.Buckets) {
			out.Buckets[i].Count += o.Buckets[i].Count
		}
	}
	return out
}

// Trimmed returns the buckets from the first to the last non-empty one.
func (s Snapshot) Trimmed() []Bucket {
	first, last := -1, -1
	for i, b := range s.Buckets {
		if b.Count == 0 {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return nil
	}
	return s.Buckets[first : last+1]
}

// Quantile estimates the q-th quantile (0..1) in Unit by interpolating
// linearly inside the bucket holding the rank.
func (s Snapshot) Quantile(q float64) float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}

	rank := q * float64(total)
	var seen float64
	for _, b := range s.Buckets {
		if b.Count == 0 {
			continue
		}
		next := seen + float64(b.Count)
		if rank <= next {
			frac := (rank - seen) / float64(b.Count)
			width := float64(b.High - b.Low)
			return float64(b.Low) + frac*width
		}
		seen = next
	}
	last := s.Buckets[len(s.Buckets)-1]
	return float64(last.High)
}
