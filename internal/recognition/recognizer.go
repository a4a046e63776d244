// Package recognition matches located faces against stored student descriptors.
package recognition

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"classroll/internal/attendance"
	"classroll/internal/capture"
)

const (
	DefaultThreshold = 0.6
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Minute
)

// DescriptorSource loads stored descriptors keyed by student id.
type DescriptorSource interface {
	Descriptors(ctx context.Context, studentIDs []string) (map[string]attendance.StudentDescriptors, error)
}

// DescriptorRecognizer is a nearest-neighbour matcher over Euclidean distance.
type DescriptorRecognizer struct {
	source    DescriptorSource
	threshold float64
	cache     *expirable.LRU[string, []attendance.Descriptor]
}

// NewDescriptorRecognizer creates a recognizer. A match is accepted when the
// distance to the closest stored descriptor is at most threshold.
func NewDescriptorRecognizer(source DescriptorSource, threshold float64, ttl time.Duration) *DescriptorRecognizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &DescriptorRecognizer{
		source:    source,
		threshold: threshold,
		cache:     expirable.NewLRU[string, []attendance.Descriptor](defaultCacheSize, nil, ttl),
	}
}

// Invalidate drops a student's cached descriptors after re-enrollment.
func (r *DescriptorRecognizer) Invalidate(studentID string) {
	r.cache.Remove(studentID)
}

// Notify drops the cache entry of a student whose descriptors were just saved.
func (r *DescriptorRecognizer) Notify(_ context.Context, evt attendance.Event) {
	if evt.Type == attendance.EventDescriptorsSaved && evt.StudentID != "" {
		r.Invalidate(evt.StudentID)
	}
}

// Recognize returns the closest candidate within the threshold.
func (r *DescriptorRecognizer) Recognize(ctx context.Context, face capture.Face, candidates []attendance.Student) (capture.Match, bool, error) {
	if len(face.Descriptor) == 0 || len(candidates) == 0 {
		return capture.Match{}, false, nil
	}
	stored, err := r.load(ctx, candidates)
	if err != nil {
		return capture.Match{}, false, err
	}

	best, bestDist := -1, math.Inf(1)
	for i, st := range candidates {
		for _, d := range stored[st.ID] {
			dist, ok := Distance(face.Descriptor, d)
			if ok && dist < bestDist {
				best, bestDist = i, dist
			}
		}
	}
	if best < 0 || bestDist > r.threshold {
		return capture.Match{}, false, nil
	}
	return capture.Match{Student: candidates[best], Confidence: Similarity(bestDist)}, true, nil
}

func (r *DescriptorRecognizer) load(ctx context.Context, candidates []attendance.Student) (map[string][]attendance.Descriptor, error) {
	out := make(map[string][]attendance.Descriptor, len(candidates))
	var missing []string
	for _, st := range candidates {
		if d, ok := r.cache.Get(st.ID); ok {
			out[st.ID] = d
			continue
		}
		missing = append(missing, st.ID)
	}
	if len(missing) == 0 {
		return out, nil
	}
	sort.Strings(missing)
	loaded, err := r.source.Descriptors(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		d := loaded[id].Descriptors
		out[id] = d
		// Students without descriptors are looked up again on the next call so
		// an enrollment finishing mid-session is picked up right away.
		if len(d) > 0 {
			r.cache.Add(id, d)
		}
	}
	return out, nil
}

// Distance is the Euclidean distance between two descriptors. It reports false
// when the lengths differ.
func Distance(a, b attendance.Descriptor) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), true
}

// Similarity maps a distance between unit vectors, which lies in [0,2], to a
// confidence in [0,1].
func Similarity(dist float64) float64 {
	s := 1 - dist/2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Normalize scales a descriptor to unit length.
func Normalize(d attendance.Descriptor) attendance.Descriptor {
	var sum float64
	for _, v := range d {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return d
	}
	n := math.Sqrt(sum)
	out := make(attendance.Descriptor, len(d))
	for i, v := range d {
		out[i] = float32(float64(v) / n)
	}
	return out
}
