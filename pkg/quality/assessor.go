// Package quality computes weighted quality scores for phase outputs.
// The assessor is deterministic: no randomness, no wall-clock dependence
// beyond the ComputedAt stamp.
package quality

import (
	"time"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// phaseWeights is the fixed per-phase metric weight matrix.
// Metrics the agent did not report contribute a score of 0 while their
// declared weight stays in the denominator, so missing signals drag the
// overall score down instead of silently inflating it.
var phaseWeights = map[int]map[string]float64{
	1: {
		"relevance":  0.30,
		"genreFit":   0.25,
		"coherence":  0.25,
		"creativity": 0.20,
	},
	2: {
		"characterConsistency": 0.30,
		"visualAppeal":         0.25,
		"creativity":           0.20,
		"technical":            0.25,
	},
	3: {
		"structure":      0.30,
		"pacing":         0.25,
		"coherence":      0.25,
		"emotionalRange": 0.20,
	},
	4: {
		"layoutQuality":      0.25,
		"compositionQuality": 0.20,
		"readingFlow":        0.20,
		"cameraVariety":      0.15,
		"visualHierarchy":    0.10,
		"pageComposition":    0.10,
	},
	5: {
		"imageSuccessRate":     0.30,
		"avgImageQuality":      0.30,
		"characterConsistency": 0.20,
		"coherence":            0.20,
	},
	6: {
		"dialogueNaturalness": 0.30,
		"bubblePlacement":     0.25,
		"readability":         0.25,
		"tonalFit":            0.20,
	},
	7: {
		"coherence":   0.30,
		"technical":   0.25,
		"readability": 0.25,
		"composite":   0.20,
	},
}

// Assessor folds per-phase agent metrics into a QualityScore.
type Assessor struct {
	now func() time.Time
}

// NewAssessor creates an Assessor using wall-clock time for ComputedAt.
func NewAssessor() *Assessor {
	return &Assessor{now: time.Now}
}

// Weights returns the declared weight map for a phase (nil for unknown phases).
func Weights(phase int) map[string]float64 {
	return phaseWeights[phase]
}

// Assess computes the weighted-mean quality score for the given phase from
// the agent-reported metric values. Metric values are clamped to [0,1].
func (a *Assessor) Assess(phase int, metrics map[string]float64) *models.QualityScore {
	weights := phaseWeights[phase]

	scored := make(map[string]models.MetricScore, len(weights))
	var weightedSum, weightTotal float64
	for name, weight := range weights {
		score := clamp01(metrics[name]) // absent metrics read as 0
		scored[name] = models.MetricScore{Score: score, Weight: weight}
		weightedSum += score * weight
		weightTotal += weight
	}

	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	return &models.QualityScore{
		Overall:    overall,
		Metrics:    scored,
		Grade:      models.GradeFor(overall),
		ComputedAt: a.now(),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
