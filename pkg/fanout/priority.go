package fanout

import "github.com/storyforge-ai/storyforge/pkg/models"

const (
	basePriority = 5
	minPriority  = 1
	maxPriority  = 10
)

// ComputePriority scores a task for scheduling. First-page and first-panel
// work is boosted so readers' entry points render first, as are climactic and
// visually dominant panels.
func ComputePriority(task models.ImageGenerationTask) int {
	p := basePriority
	if task.PageNumber == 1 {
		p += 2
	}
	if task.IndexOnPage == 0 {
		p++
	}
	if task.EmotionalTone == "climax" || task.EmotionalTone == "tension" {
		p += 2
	}
	if task.PanelSize == models.PanelSizeLarge || task.PanelSize == models.PanelSizeSplash {
		p++
	}
	for _, c := range task.Characters {
		if c.Prominence > 0.8 {
			p++
			break
		}
	}
	if p < minPriority {
		p = minPriority
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}
