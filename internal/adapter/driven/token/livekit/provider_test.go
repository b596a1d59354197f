package livekit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderRequiresCredentials(t *testing.T) {
	_, err := NewProvider("", "secret", time.Minute)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	p, err := NewProvider("key", "secret", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.validFor)
}

func TestTokenGrantsChannel(t *testing.T) {
	assert := assert.New(t)
	p, err := NewProvider("devkey", "a-secret-that-is-long-enough-for-hs256", 10*time.Minute)
	require.NoError(t, err)

	token, err := p.Token(context.Background(), "ch-42", "alice")
	require.NoError(t, err)

	verifier, err := auth.ParseAPIToken(token)
	require.NoError(t, err)
	assert.Equal("devkey", verifier.APIKey())
	assert.Equal("alice", verifier.Identity())

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var claims struct {
		Exp   int64 `json:"exp"`
		Video struct {
			Room     string `json:"room"`
			RoomJoin bool   `json:"roomJoin"`
		} `json:"video"`
	}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal("ch-42", claims.Video.Room)
	assert.True(claims.Video.RoomJoin)
	assert.WithinDuration(time.Now().Add(10*time.Minute), time.Unix(claims.Exp, 0), time.Minute)
}
