package ai

import "context"

// SummaryInput describes a batch of recorded changes to summarize for
// a rollback-to-point preview.
type SummaryInput struct {
	ResourceTitle string
	ChangeLines   []string
	Skipped       int
}

// Summarizer turns a change list into a short human-readable paragraph
// shown alongside a batch rollback preview.
type Summarizer interface {
	Summarize(ctx context.Context, input SummaryInput) (string, error)
}
