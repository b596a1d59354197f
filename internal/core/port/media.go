package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// MediaEngine is the real-time media layer. Join and Leave are idempotent:
// Leave without a join is a no-op and Join while joined leaves first.
type MediaEngine interface {
	Setup() error
	JoinChannel(ctx context.Context, channelName, uid, token string) error
	LeaveChannel() int
	Publish(kind domain.MediaKind) error
	Subscribe(uid string) error
	Mute(kind domain.MediaKind, muted bool) error
	Events() <-chan domain.MediaEvent
}

// TokenProvider issues the credential the media engine needs to join a
// channel. An empty token means the engine joins without one.
type TokenProvider interface {
	Token(ctx context.Context, channelName, uid string) (string, error)
}
