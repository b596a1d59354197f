package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MessageRepository interface {
	Save(ctx context.Context, msg domain.Message) error
	Find(ctx context.Context, id domain.MessageID) (domain.Message, error)
	UpdateExt(ctx context.Context, id domain.MessageID, ext map[string]any) error
	// Enqueue holds a persisted message for a recipient with no device online.
	Enqueue(ctx context.Context, msg domain.Message) error
	// Drain returns and removes the queued messages for user, oldest first.
	Drain(ctx context.Context, user domain.UserID) ([]domain.Message, error)
}
