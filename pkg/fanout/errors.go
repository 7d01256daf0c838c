package fanout

import "errors"

var errEmptyBatch = errors.New("image backend returned an empty batch")

// generationError carries the backend's per-image failure message.
type generationError struct {
	message string
}

func (e *generationError) Error() string {
	if e.message == "" {
		return "image generation failed"
	}
	return e.message
}
