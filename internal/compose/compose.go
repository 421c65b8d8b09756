// Package compose defines the boundary to the reply-suggestion
// generator. Generation itself is an external collaborator; the service
// only orchestrates rate limiting, idempotency, and authentication
// around it.
package compose

import "context"

// Request carries the caller's conversation context to the generator.
type Request struct {
	HistoryText string
	ComboID     int
}

// Composer produces candidate reply texts for a request.
type Composer interface {
	Compose(ctx context.Context, req Request) ([]string, error)
}

// Static returns the same fixed candidates for every request. It stands
// in for a real provider in development and tests.
type Static struct {
	Candidates []string
}

func (s *Static) Compose(context.Context, Request) ([]string, error) {
	out := make([]string, len(s.Candidates))
	copy(out, s.Candidates)
	return out, nil
}
