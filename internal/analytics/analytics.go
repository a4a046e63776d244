// Package analytics derives read-only reports from attendance records.
package analytics

import (
	"sort"
	"time"

	"classroll/internal/attendance"
)

const (
	trendDays         = 14
	unknownDepartment = "Unknown"
)

// Summary holds headline metrics. Rates are percentages in [0,100].
type Summary struct {
	Total             int     `json:"total_records"`
	Present           int     `json:"present"`
	Absent            int     `json:"absent"`
	Late              int     `json:"late"`
	AttendanceRate    float64 `json:"attendance_rate"`
	PunctualityRate   float64 `json:"punctuality_rate"`
	Recognized        int     `json:"recognized"`
	AverageConfidence float64 `json:"average_confidence"`
	Overrides         int     `json:"manual_overrides"`
	OverrideRatio     float64 `json:"override_ratio"`
}

// Bucket is one group of records with its presence percentage.
type Bucket struct {
	Name       string  `json:"name"`
	Present    int     `json:"present"`
	Absent     int     `json:"absent"`
	Late       int     `json:"late"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

func (b *Bucket) add(s attendance.Status) {
	switch s {
	case attendance.StatusPresent:
		b.Present++
	case attendance.StatusAbsent:
		b.Absent++
	case attendance.StatusLate:
		b.Late++
	}
	b.Total++
}

func (b *Bucket) finish() {
	b.Percentage = percent(b.Present, b.Total)
}

// StatusCount is one slice of the status distribution.
type StatusCount struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// Summarize computes the headline metrics. An empty input yields zeros.
func Summarize(records []attendance.RecordView) Summary {
	var s Summary
	var confSum float64
	for _, r := range records {
		s.Total++
		switch r.Status {
		case attendance.StatusPresent:
			s.Present++
		case attendance.StatusAbsent:
			s.Absent++
		case attendance.StatusLate:
			s.Late++
		}
		if r.Confidence != nil {
			s.Recognized++
			confSum += *r.Confidence
		}
		if r.ManualOverride {
			s.Overrides++
		}
	}
	s.AttendanceRate = percent(s.Present, s.Total)
	s.PunctualityRate = percent(s.Present-s.Late, s.Total)
	s.OverrideRatio = percent(s.Overrides, s.Total)
	if s.Recognized > 0 {
		s.AverageConfidence = confSum / float64(s.Recognized) * 100
	}
	return s
}

// Trend buckets records by calendar day in loc and keeps the last 14 days,
// oldest first.
func Trend(records []attendance.RecordView, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.UTC
	}
	byDay := make(map[string]*Bucket)
	for _, r := range records {
		day := r.MarkedAt.In(loc).Format("2006-01-02")
		b, ok := byDay[day]
		if !ok {
			b = &Bucket{Name: day}
			byDay[day] = b
		}
		b.add(r.Status)
	}
	out := flatten(byDay)
	if len(out) > trendDays {
		out = out[len(out)-trendDays:]
	}
	return out
}

// ByClass groups records by class code.
func ByClass(records []attendance.RecordView) []Bucket {
	return group(records, func(r attendance.RecordView) string { return r.ClassCode })
}

// ByDepartment groups records by the student's department.
func ByDepartment(records []attendance.RecordView) []Bucket {
	return group(records, func(r attendance.RecordView) string {
		if r.Department == nil || *r.Department == "" {
			return unknownDepartment
		}
		return *r.Department
	})
}

func group(records []attendance.RecordView, key func(attendance.RecordView) string) []Bucket {
	m := make(map[string]*Bucket)
	for _, r := range records {
		k := key(r)
		b, ok := m[k]
		if !ok {
			b = &Bucket{Name: k}
			m[k] = b
		}
		b.add(r.Status)
	}
	return flatten(m)
}

// flatten returns the buckets sorted by name with percentages filled in.
func flatten(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		b.finish()
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rank returns the n best and n worst buckets by percentage.
func Rank(buckets []Bucket, n int) (top, bottom []Bucket) {
	if n <= 0 || len(buckets) == 0 {
		return nil, nil
	}
	sorted := append([]Bucket(nil), buckets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Percentage > sorted[j].Percentage })
	if n > len(sorted) {
		n = len(sorted)
	}
	top = append(top, sorted[:n]...)
	for i := len(sorted) - 1; i >= len(sorted)-n; i-- {
		bottom = append(bottom, sorted[i])
	}
	return top, bottom
}

// StatusDistribution returns the Present/Absent/Late counts.
func StatusDistribution(s Summary) []StatusCount {
	return []StatusCount{
		{Name: "Present", Value: s.Present},
		{Name: "Absent", Value: s.Absent},
		{Name: "Late", Value: s.Late},
	}
}

// Report bundles every view shown on the analytics dashboard.
type Report struct {
	Period       string        `json:"period"`
	Since        time.Time     `json:"since"`
	Summary      Summary       `json:"summary"`
	Trend        []Bucket      `json:"trend"`
	Classes      []Bucket      `json:"classes"`
	Departments  []Bucket      `json:"departments"`
	Top          []Bucket      `json:"top_classes"`
	NeedsAttn    []Bucket      `json:"needs_attention"`
	Distribution []StatusCount `json:"status_distribution"`
}

// Build assembles a Report.
func Build(period string, since time.Time, records []attendance.RecordView, loc *time.Location) Report {
	summary := Summarize(records)
	classes := ByClass(records)
	top, bottom := Rank(classes, 3)
	return Report{
		Period:       period,
		Since:        since,
		Summary:      summary,
		Trend:        Trend(records, loc),
		Classes:      classes,
		Departments:  ByDepartment(records),
		Top:          top,
		NeedsAttn:    bottom,
		Distribution: StatusDistribution(summary),
	}
}
