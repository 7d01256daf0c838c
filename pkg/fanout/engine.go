package fanout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/models"
)

// cachedImage is a content-addressed generation result reused across tasks of
// one run.
type cachedImage struct {
	imageURL     string
	thumbnailURL string
	quality      float64
}

// cacheEntry is the reservation for one content address. The first claimant
// generates the image; concurrent duplicates wait on ready and reuse it.
type cacheEntry struct {
	ready chan struct{}
	img   cachedImage
	ok    bool
}

// runCache is the content-addressed cache shared by all tasks of one Run.
type runCache struct {
	mu sync.Mutex
	m  map[string]*cacheEntry
}

func newRunCache() *runCache {
	return &runCache{m: make(map[string]*cacheEntry)}
}

// claim returns the entry for key and whether the caller owns generation.
// Callers that do not own it wait on entry.ready.
func (c *runCache) claim(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		return e, false
	}
	e := &cacheEntry{ready: make(chan struct{})}
	c.m[key] = e
	return e, true
}

// resolve publishes the owner's outcome and wakes the waiters. A failed
// reservation is released so the next claimant can generate instead.
func (c *runCache) resolve(key string, e *cacheEntry, img cachedImage, ok bool) {
	c.mu.Lock()
	e.img, e.ok = img, ok
	if !ok {
		delete(c.m, key)
	}
	c.mu.Unlock()
	close(e.ready)
}

// Engine runs bounded-parallel image generation for one phase-5 execution.
// The content-addressed cache lives for the duration of a Run call and is
// shared by all tasks of that run.
type Engine struct {
	gw          gateway.ModelGateway
	backoffBase time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewEngine builds a fan-out engine on top of the image gateway.
func NewEngine(gw gateway.ModelGateway, backoffBase time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		gw:          gw,
		backoffBase: backoffBase,
		logger:      logger.With("component", "fanout"),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CacheKey derives the content address of a task from its prompt, negative
// prompt, and style parameters. Map keys are canonicalized by encoding/json's
// sorted-key output so equal parameter sets hash identically.
func CacheKey(task models.ImageGenerationTask) string {
	payload := struct {
		Prompt          string            `json:"prompt"`
		NegativePrompt  string            `json:"negative_prompt"`
		StyleParameters map[string]string `json:"style_parameters"`
	}{task.Prompt, task.NegativePrompt, task.StyleParameters}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Run executes all tasks with at most maxParallel concurrent backend calls
// and returns one result per task, ordered by the priority-sorted submission
// order regardless of completion order. Dispatch follows that same order:
// group.Go blocks while all slots are busy, so higher-priority tasks start
// first when maxParallel < len(tasks). Tasks observing cancellation emit a
// failure result with errorMessage "cancelled" and do not retry.
func (e *Engine) Run(ctx context.Context, tasks []models.ImageGenerationTask, maxParallel int) []models.ImageGenerationResult {
	if maxParallel < 1 {
		maxParallel = 1
	}

	ordered := make([]models.ImageGenerationTask, len(tasks))
	copy(ordered, tasks)
	for i := range ordered {
		ordered[i].Priority = ComputePriority(ordered[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	results := make([]models.ImageGenerationResult, len(ordered))
	cache := newRunCache()

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, task := range ordered {
		g.Go(func() error {
			results[i] = e.runTask(ctx, task, cache)
			return nil
		})
	}
	g.Wait()

	return results
}

// runTask resolves one task through the run cache: owners generate, duplicate
// claimants wait and reuse. If an owner fails, its reservation is released and
// a waiter takes over with its own retry budget.
func (e *Engine) runTask(ctx context.Context, task models.ImageGenerationTask, cache *runCache) models.ImageGenerationResult {
	key := CacheKey(task)
	for {
		if ctx.Err() != nil {
			return cancelledResult(task)
		}
		entry, owner := cache.claim(key)
		if owner {
			return e.generateTask(ctx, task, key, entry, cache)
		}

		select {
		case <-ctx.Done():
			return cancelledResult(task)
		case <-entry.ready:
		}
		if entry.ok {
			quality := entry.img.quality
			return models.ImageGenerationResult{
				PanelID:      task.PanelID,
				Success:      true,
				ImageURL:     entry.img.imageURL,
				ThumbnailURL: entry.img.thumbnailURL,
				QualityScore: &quality,
				CacheHit:     true,
				Characters:   characterNames(task),
			}
		}
	}
}

func (e *Engine) generateTask(ctx context.Context, task models.ImageGenerationTask, key string, entry *cacheEntry, cache *runCache) models.ImageGenerationResult {
	var lastErr string
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			cache.resolve(key, entry, cachedImage{}, false)
			return cancelledResult(task)
		}

		start := time.Now()
		res, err := e.generate(ctx, task)
		elapsed := time.Since(start).Milliseconds()
		if err == nil {
			img := cachedImage{
				imageURL:     res.ImageURL,
				thumbnailURL: res.ThumbnailURL,
				quality:      res.Quality,
			}
			cache.resolve(key, entry, img, true)
			quality := res.Quality
			return models.ImageGenerationResult{
				PanelID:                  task.PanelID,
				Success:                  true,
				ImageURL:                 res.ImageURL,
				ThumbnailURL:             res.ThumbnailURL,
				QualityScore:             &quality,
				GenerationDurationMillis: elapsed,
				RetryCount:               attempt,
				Characters:               characterNames(task),
			}
		}
		lastErr = err.Error()

		if ctx.Err() != nil {
			cache.resolve(key, entry, cachedImage{}, false)
			return cancelledResult(task)
		}
		if attempt >= task.MaxRetries {
			break
		}
		backoff := e.backoffBase << attempt
		e.logger.Warn("image generation failed, backing off",
			"panel_id", task.PanelID, "attempt", attempt, "backoff", backoff, "error", lastErr)
		if e.sleep(ctx, backoff) != nil {
			cache.resolve(key, entry, cachedImage{}, false)
			return cancelledResult(task)
		}
	}

	cache.resolve(key, entry, cachedImage{}, false)
	return models.ImageGenerationResult{
		PanelID:      task.PanelID,
		Success:      false,
		RetryCount:   task.MaxRetries,
		ErrorMessage: lastErr,
		Characters:   characterNames(task),
	}
}

func (e *Engine) generate(ctx context.Context, task models.ImageGenerationTask) (*gateway.ImageResult, error) {
	out, err := e.gw.GenerateImages(ctx, gateway.ImageRequest{
		Prompts:        []string{task.Prompt},
		NegativePrompt: task.NegativePrompt,
		BatchSize:      1,
		Style:          task.StyleParameters,
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errEmptyBatch
	}
	if !out[0].Success {
		return nil, &generationError{message: out[0].Error}
	}
	return &out[0], nil
}

func cancelledResult(task models.ImageGenerationTask) models.ImageGenerationResult {
	return models.ImageGenerationResult{
		PanelID:      task.PanelID,
		Success:      false,
		ErrorMessage: "cancelled",
		Characters:   characterNames(task),
	}
}

func characterNames(task models.ImageGenerationTask) []string {
	if len(task.Characters) == 0 {
		return nil
	}
	names := make([]string, len(task.Characters))
	for i, c := range task.Characters {
		names[i] = c.Name
	}
	return names
}
