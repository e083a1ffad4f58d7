// Package burst detects same-camera rapid-succession sequences and selects
// the best representative of each (C3).
package burst

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/models"
)

// Params are the detect_bursts job's tunable thresholds (§4.3).
type Params struct {
	GapThreshold    time.Duration
	MinSize         int
	MinDuration     time.Duration
	SelectionMethod models.SelectionMethod
}

// DefaultParams mirrors the spec's defaults: gap_threshold=1.0s, min_size=3,
// min_duration=0.5s, selection_method=quality.
func DefaultParams() Params {
	return Params{
		GapThreshold:    time.Second,
		MinSize:         3,
		MinDuration:     500 * time.Millisecond,
		SelectionMethod: models.SelectionQuality,
	}
}

// candidate is the slice of an Image that burst detection actually needs,
// decoupling the algorithm from the full catalog model.
type candidate struct {
	id        string
	timestamp time.Time
	hasTime   bool
	camera    string
	quality   int
}

func toCandidates(images []models.Image) []candidate {
	out := make([]candidate, 0, len(images))
	for _, img := range images {
		c := candidate{id: img.ID}
		if ts, ok := img.BestTimestamp(); ok {
			c.timestamp = ts
			c.hasTime = true
		}
		if cam, ok := img.Camera(); ok {
			c.camera = cam
		}
		if img.QualityScore != nil {
			c.quality = *img.QualityScore
		}
		out = append(out, c)
	}
	return out
}

// Detect partitions images by camera (a missing camera value forms its own
// partition), sorts each partition's timed images by ascending timestamp
// while leaving untimed images at their original discovery-order position,
// and clusters consecutive images whose gap is within GapThreshold. A null
// timestamp breaks the current sequence, as if the gap were infinite.
func Detect(images []models.Image, catalogID uuid.UUID, p Params) []models.Burst {
	candidates := toCandidates(images)

	byCamera := make(map[string][]candidate)
	for _, c := range candidates {
		byCamera[c.camera] = append(byCamera[c.camera], c)
	}

	var bursts []models.Burst
	for _, group := range byCamera {
		// Sorts each run of timed candidates between two untimed ones on
		// its own; an untimed candidate is never moved, so it stays put at
		// its original (discovery-order) position instead of sinking to the
		// end of the partition.
		start := 0
		for i := 0; i <= len(group); i++ {
			if i < len(group) && group[i].hasTime {
				continue
			}
			run := group[start:i]
			sort.SliceStable(run, func(a, b int) bool { return run[a].timestamp.Before(run[b].timestamp) })
			start = i + 1
		}

		bursts = append(bursts, clusterPartition(group, catalogID, p)...)
	}

	sort.Slice(bursts, func(i, j int) bool { return bursts[i].StartTime.Before(bursts[j].StartTime) })
	return bursts
}

func clusterPartition(sorted []candidate, catalogID uuid.UUID, p Params) []models.Burst {
	var bursts []models.Burst
	var current []candidate

	flush := func() {
		if b, ok := emit(current, catalogID, p); ok {
			bursts = append(bursts, b)
		}
		current = nil
	}

	for _, c := range sorted {
		if !c.hasTime {
			flush()
			continue
		}
		if len(current) == 0 {
			current = append(current, c)
			continue
		}
		gap := c.timestamp.Sub(current[len(current)-1].timestamp)
		if gap > p.GapThreshold {
			flush()
		}
		current = append(current, c)
	}
	flush()
	return bursts
}

func emit(seq []candidate, catalogID uuid.UUID, p Params) (models.Burst, bool) {
	if len(seq) < p.MinSize {
		return models.Burst{}, false
	}
	start := seq[0].timestamp
	end := seq[len(seq)-1].timestamp
	duration := end.Sub(start)
	if duration < p.MinDuration {
		return models.Burst{}, false
	}

	ids := make([]string, len(seq))
	for i, c := range seq {
		ids[i] = c.id
	}

	b := models.Burst{
		ID:              uuid.New(),
		CatalogID:       catalogID,
		ImageIDs:        ids,
		ImageCount:      len(seq),
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: duration.Seconds(),
		SelectionMethod: p.SelectionMethod,
	}
	if cam := seq[0].camera; cam != "" {
		b.CameraMake = &cam
	}

	best := selectBest(seq, p.SelectionMethod)
	b.BestImageID = &best
	return b, true
}

// selectBest implements the three selection methods: quality (argmax
// quality_score, nulls as 0), first (earliest timestamp, which is seq[0]
// since seq is already sorted), middle (floor(n/2)).
func selectBest(seq []candidate, method models.SelectionMethod) string {
	switch method {
	case models.SelectionFirst:
		return seq[0].id
	case models.SelectionMiddle:
		return seq[len(seq)/2].id
	default: // quality
		best := seq[0]
		for _, c := range seq[1:] {
			if c.quality > best.quality {
				best = c
			}
		}
		return best.id
	}
}
