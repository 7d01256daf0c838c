package models

import "time"

// MetricScore is a single weighted metric inside a QualityScore.
type MetricScore struct {
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// QualityScore is the weighted-mean rating of a phase output.
// Invariant: Overall == Σ(score·weight) / Σ(weight) over Metrics.
type QualityScore struct {
	Overall    float64                `json:"overall"`
	Metrics    map[string]MetricScore `json:"metrics"`
	Grade      string                 `json:"grade"`
	ComputedAt time.Time              `json:"computed_at"`
}

// gradeThresholds maps minimum overall scores to letter grades, checked in
// descending order.
var gradeThresholds = []struct {
	min   float64
	grade string
}{
	{0.90, "A+"},
	{0.85, "A"},
	{0.80, "B+"},
	{0.75, "B"},
	{0.70, "C+"},
	{0.65, "C"},
	{0.60, "D+"},
}

// GradeFor maps an overall score to its letter grade.
func GradeFor(overall float64) string {
	for _, t := range gradeThresholds {
		if overall >= t.min {
			return t.grade
		}
	}
	return "D"
}
