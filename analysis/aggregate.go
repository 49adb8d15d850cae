// Package analysis turns a stream's event log into gap-filled chat time series and ranks
// the most active windows.
package analysis

import (
	"sort"

	"github.com/onnwee/chatpeak/eventlog"
)

// Bucket is one row of a series. Rolling is the trailing chat rate in events per second.
type Bucket struct {
	Sec     int64
	Count   int64
	Rolling float64
}

// Series is a gap-filled bucket sequence at one resolution (bucket width in seconds).
type Series struct {
	Resolution int
	RollingSec int
	Buckets    []Bucket
}

// Counts returns the bucket counts.
func (s Series) Counts() []int64 {
	out := make([]int64, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = b.Count
	}
	return out
}

// PerSecond returns chat counts per whole second from 0 through the last event's second,
// whatever its kind. Donations extend the range but do not count toward chat activity.
func PerSecond(events []eventlog.Event) []int64 {
	last := int64(-1)
	for _, ev := range events {
		if ev.Sec() > last {
			last = ev.Sec()
		}
	}
	if last < 0 {
		return nil
	}
	counts := make([]int64, last+1)
	for _, ev := range events {
		if ev.Type == eventlog.KindChat && ev.TMs >= 0 {
			counts[ev.Sec()]++
		}
	}
	return counts
}

// Build computes one series per resolution. Resolutions are processed in ascending order
// and non-positive entries are ignored. The rolling value of a bucket ending at e is the sum
// of per-second counts in [e-rollingSec, e) divided by the part of that window after second 0,
// so it does not depend on the bucket width.
func Build(events []eventlog.Event, resolutions []int, rollingSec int) []Series {
	perSec := PerSecond(events)
	prefix := make([]int64, len(perSec)+1)
	for i, c := range perSec {
		prefix[i+1] = prefix[i] + c
	}
	sumRange := func(from, to int64) int64 {
		if from < 0 {
			from = 0
		}
		n := int64(len(perSec))
		if to > n {
			to = n
		}
		if to <= from {
			return 0
		}
		return prefix[to] - prefix[from]
	}

	res := uniqueSorted(resolutions)
	out := make([]Series, 0, len(res))
	for _, r := range res {
		s := Series{Resolution: r, RollingSec: rollingSec}
		if len(perSec) > 0 {
			last := int64(len(perSec) - 1)
			n := last/int64(r) + 1
			s.Buckets = make([]Bucket, n)
			for i := int64(0); i < n; i++ {
				start := i * int64(r)
				end := start + int64(r)
				b := Bucket{Sec: start, Count: sumRange(start, end)}
				if rollingSec > 0 {
					from := end - int64(rollingSec)
					if from < 0 {
						from = 0
					}
					b.Rolling = float64(sumRange(from, end)) / float64(end-from)
				}
				s.Buckets[i] = b
			}
		}
		out = append(out, s)
	}
	return out
}

func uniqueSorted(in []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range in {
		if r > 0 && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}
