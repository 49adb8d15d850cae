package analysis

import (
	"fmt"
	"sort"
)

// ClipLeadInSec is how far before a peak a suggested clip starts.
const ClipLeadInSec = 10

// Peak is one ranked window. Offsets are seconds from the session start.
type Peak struct {
	StartSec      int64  `json:"start_sec"`
	EndSec        int64  `json:"end_sec"`
	Value         int64  `json:"value"`
	Rank          int    `json:"rank"`
	ClipStartSec  int64  `json:"clip_start_sec"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	ClipStartTime string `json:"clip_start_time"`
	// Set on surge-ranked peaks only. SurgeRatio is Value over the preceding window's
	// volume and is omitted when that window was silent.
	SurgeScore float64  `json:"surge_score,omitempty"`
	SurgeRatio *float64 `json:"surge_ratio,omitempty"`
}

// Detector finds the top windows of a series in two passes: a coarse scan over window
// starts on a CoarseSec grid, then a fine rescan within one coarse width of each candidate.
type Detector struct {
	WindowSec int
	TopK      int
	MinGapSec int
	CoarseSec int
}

// DefaultDetector returns the stock settings (60s windows, top 50, 120s apart, 10s grid).
func DefaultDetector() Detector {
	return Detector{WindowSec: 60, TopK: 50, MinGapSec: 120, CoarseSec: 10}
}

type window struct {
	start int64 // bucket index
	sum   int64
}

// grid holds the window geometry of one series in buckets.
type grid struct {
	res, w, cw, gap int64
	maxStart        int64
	prefix          []int64
}

func (d Detector) grid(s Series) (grid, bool) {
	counts := s.Counts()
	n := int64(len(counts))
	if n == 0 || d.TopK <= 0 {
		return grid{}, false
	}
	g := grid{res: int64(s.Resolution), gap: int64(d.MinGapSec)}
	if g.res <= 0 {
		g.res = 1
	}
	g.w = max(int64(d.WindowSec)/g.res, 1)
	g.cw = max(int64(d.CoarseSec)/g.res, 1)
	g.maxStart = max(n-g.w, 0)
	g.prefix = make([]int64, n+1)
	for i, c := range counts {
		g.prefix[i+1] = g.prefix[i] + c
	}
	return g, true
}

// sum is the window total starting at bucket start, clipped to the series end.
func (g grid) sum(start int64) int64 {
	end := min(start+g.w, int64(len(g.prefix)-1))
	return g.prefix[end] - g.prefix[start]
}

// Detect ranks windows of s. Windows summing to zero are never reported. The result is
// sorted by value descending, earlier start first on ties, with ranks 1..k.
func (d Detector) Detect(s Series) []Peak {
	g, ok := d.grid(s)
	if !ok {
		return nil
	}

	// coarse
	var candidates []window
	for st := int64(0); st <= g.maxStart; st += g.cw {
		candidates = append(candidates, window{start: st, sum: g.sum(st)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sum != candidates[j].sum {
			return candidates[i].sum > candidates[j].sum
		}
		return candidates[i].start < candidates[j].start
	})

	var accepted []window
	for _, c := range candidates {
		if len(accepted) >= d.TopK {
			break
		}
		if c.sum <= 0 {
			break // sorted: the rest are zero too
		}
		best := d.refine(c.start, g.cw, g.maxStart, g.sum)
		if best.sum <= 0 || !separated(best, accepted, g.w, g.res, g.gap) {
			continue
		}
		accepted = append(accepted, best)
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].sum != accepted[j].sum {
			return accepted[i].sum > accepted[j].sum
		}
		return accepted[i].start < accepted[j].start
	})
	peaks := make([]Peak, len(accepted))
	for i, a := range accepted {
		peaks[i] = newPeak(a.start*g.res, (a.start+g.w)*g.res, a.sum, i+1)
	}
	return peaks
}

type surge struct {
	window
	prev  int64
	score float64
}

// DetectSurges ranks windows by how sharply chat rose against the window just before
// them: score = 0.7*change + 0.3*volume, each min-max normalised over every start that
// has a full preceding window. Only windows with activity that grew are reported. The
// same spacing rules as Detect apply; ties keep the earlier start.
func (d Detector) DetectSurges(s Series) []Peak {
	g, ok := d.grid(s)
	if !ok || g.maxStart < g.w {
		return nil
	}
	all := make([]surge, 0, g.maxStart-g.w+1)
	for st := g.w; st <= g.maxStart; st++ {
		all = append(all, surge{window: window{start: st, sum: g.sum(st)}, prev: g.sum(st - g.w)})
	}
	normalise := func(v func(surge) float64) func(surge) float64 {
		lo, hi := v(all[0]), v(all[0])
		for _, c := range all[1:] {
			lo, hi = min(lo, v(c)), max(hi, v(c))
		}
		return func(c surge) float64 {
			if hi == lo {
				return 0
			}
			return (v(c) - lo) / (hi - lo)
		}
	}
	change := normalise(func(c surge) float64 { return float64(c.sum - c.prev) })
	volume := normalise(func(c surge) float64 { return float64(c.sum) })
	var cands []surge
	for _, c := range all {
		if c.sum <= 0 || c.sum <= c.prev {
			continue
		}
		c.score = 0.7*change(c) + 0.3*volume(c)
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].start < cands[j].start
	})

	var accepted []window
	var peaks []Peak
	for _, c := range cands {
		if len(peaks) >= d.TopK {
			break
		}
		if !separated(c.window, accepted, g.w, g.res, g.gap) {
			continue
		}
		accepted = append(accepted, c.window)
		pk := newPeak(c.start*g.res, (c.start+g.w)*g.res, c.sum, len(peaks)+1)
		pk.SurgeScore = c.score
		if c.prev > 0 {
			ratio := float64(c.sum) / float64(c.prev)
			pk.SurgeRatio = &ratio
		}
		peaks = append(peaks, pk)
	}
	return peaks
}

// refine returns the best fine-grained start within one coarse width of start; ties keep
// the earlier start.
func (d Detector) refine(start, cw, maxStart int64, sum func(int64) int64) window {
	lo := start - cw
	if lo < 0 {
		lo = 0
	}
	hi := start + cw
	if hi > maxStart {
		hi = maxStart
	}
	best := window{start: lo, sum: sum(lo)}
	for st := lo + 1; st <= hi; st++ {
		if v := sum(st); v > best.sum {
			best = window{start: st, sum: v}
		}
	}
	return best
}

// separated reports whether cand neither overlaps nor starts within gap seconds of any
// accepted window.
func separated(cand window, accepted []window, w, res, gap int64) bool {
	for _, a := range accepted {
		if cand.start < a.start+w && a.start < cand.start+w {
			return false
		}
		diff := (cand.start - a.start) * res
		if diff < 0 {
			diff = -diff
		}
		if diff < gap {
			return false
		}
	}
	return true
}

func newPeak(start, end, value int64, rank int) Peak {
	clip := start - ClipLeadInSec
	if clip < 0 {
		clip = 0
	}
	return Peak{
		StartSec:      start,
		EndSec:        end,
		Value:         value,
		Rank:          rank,
		ClipStartSec:  clip,
		StartTime:     FormatOffset(start),
		EndTime:       FormatOffset(end),
		ClipStartTime: FormatOffset(clip),
	}
}

// FormatOffset renders seconds as HH:MM:SS.
func FormatOffset(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec/60)%60, sec%60)
}
