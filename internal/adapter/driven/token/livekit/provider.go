package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

var ErrMissingCredentials = errors.New("livekit api key and secret are required")

// Provider mints room-join tokens for the media engine, one per channel
// join. Tokens are signed locally with the API key and secret.
type Provider struct {
	apiKey    string
	apiSecret string
	validFor  time.Duration
}

func NewProvider(apiKey, apiSecret string, validFor time.Duration) (*Provider, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	if validFor <= 0 {
		validFor = time.Hour
	}
	return &Provider{apiKey: apiKey, apiSecret: apiSecret, validFor: validFor}, nil
}

func (p *Provider) Token(ctx context.Context, channelName, uid string) (string, error) {
	canPublish := true
	canSubscribe := true

	at := auth.NewAccessToken(p.apiKey, p.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         channelName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at.AddGrant(grant).
		SetIdentity(uid).
		SetValidFor(p.validFor)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate livekit token: %w", err)
	}
	return token, nil
}
