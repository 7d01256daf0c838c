package fanout

import "github.com/storyforge-ai/storyforge/pkg/models"

// Analyze aggregates a completed run into the phase-5 analysis block:
// per-character and overall consistency, parallel efficiency, cache hit rate,
// success rate, and average image quality. All computations are deterministic
// functions of the result list.
func Analyze(results []models.ImageGenerationResult, maxParallel int) models.FanOutAnalysis {
	if len(results) == 0 {
		return models.FanOutAnalysis{}
	}

	var (
		successes int
		cacheHits int
		qualities []float64
		sumDur    int64
		maxDur    int64
		byChar    = make(map[string][]float64)
	)
	for _, r := range results {
		if r.CacheHit {
			cacheHits++
		}
		sumDur += r.GenerationDurationMillis
		if r.GenerationDurationMillis > maxDur {
			maxDur = r.GenerationDurationMillis
		}
		if !r.Success || r.QualityScore == nil {
			continue
		}
		successes++
		qualities = append(qualities, *r.QualityScore)
		for _, name := range r.Characters {
			byChar[name] = append(byChar[name], *r.QualityScore)
		}
	}

	avgQuality := mean(qualities)
	varAll := variance(qualities)

	perChar := make(map[string]float64, len(byChar))
	var charSum float64
	for name, scores := range byChar {
		c := consistency(scores)
		perChar[name] = c
		charSum += c
	}
	charConsistency := avgQuality
	if len(perChar) > 0 {
		charConsistency = charSum / float64(len(perChar))
	}

	styleConsistency := consistency(qualities)
	varianceScore := 1 - clampVariance(varAll)
	overall := 0.4*charConsistency + 0.35*styleConsistency + 0.25*varianceScore

	return models.FanOutAnalysis{
		CharacterConsistency: perChar,
		OverallConsistency:   overall,
		ParallelEfficiency:   parallelEfficiency(sumDur, maxDur, maxParallel, len(results)),
		CacheHitRate:         float64(cacheHits) / float64(len(results)),
		SuccessRate:          float64(successes) / float64(len(results)),
		AvgImageQuality:      avgQuality,
	}
}

// consistency rewards uniform quality: avgQuality scaled down by variance,
// with the variance penalty capped at 0.3.
func consistency(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return mean(scores) * (1 - clampVariance(variance(scores)))
}

func parallelEfficiency(sumDur, maxDur int64, maxParallel, taskCount int) float64 {
	if taskCount == 0 {
		return 0
	}
	raw := 1.0
	if sumDur > 0 {
		raw = 1 - float64(maxDur)/float64(sumDur)
	}
	ratio := float64(maxParallel) / float64(taskCount)
	if ratio > 1 {
		ratio = 1
	}
	return raw * (0.5 + 0.5*ratio)
}

func clampVariance(v float64) float64 {
	if v > 0.3 {
		return 0.3
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}
