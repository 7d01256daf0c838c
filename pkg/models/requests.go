package models

// CreateSessionRequest is the input for submitting a new pipeline session.
type CreateSessionRequest struct {
	UserID    string                `json:"user_id" validate:"required"`
	Title     string                `json:"title"`
	InputText string                `json:"input_text" validate:"required"`
	Params    *GenerationParameters `json:"params,omitempty"`
}

// SubmitFeedbackRequest is the HITL decision for a gated phase.
type SubmitFeedbackRequest struct {
	PhaseNumber int            `json:"phase_number" validate:"gte=1,lte=7"`
	Approved    bool           `json:"approved"`
	Payload     map[string]any `json:"payload,omitempty"`
}
