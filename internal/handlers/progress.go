package handlers

import (
	"context"

	"github.com/rs/zerolog"
)

// ProgressRecorder is told when a learner draws a character correctly.
type ProgressRecorder interface {
	MarkLearned(ctx context.Context, userID, characterID string) error
}

// LogRecorder only logs progress; persistence lives with the caller.
type LogRecorder struct{}

func (LogRecorder) MarkLearned(ctx context.Context, userID, characterID string) error {
	zerolog.Ctx(ctx).Info().
		Str("user_id", userID).
		Str("character_id", characterID).
		Msg("character learned")
	return nil
}
