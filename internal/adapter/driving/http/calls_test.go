package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalls struct {
	err      error
	current  *domain.CallInfo
	target   domain.UserID
	callType domain.CallType
	group    domain.GroupInfo
	members  []domain.UserID
	accepted *bool
	hangups  int
	muted    map[domain.MediaKind]bool
	subbed   []domain.UserID
}

func (f *fakeCalls) Call(ctx context.Context, target domain.UserID, t domain.CallType, ext map[string]any) (domain.CallID, error) {
	f.target, f.callType = target, t
	return "c1", f.err
}

func (f *fakeCalls) GroupCall(ctx context.Context, group domain.GroupInfo, members []domain.UserID, ext map[string]any) (domain.CallID, error) {
	f.group, f.members = group, members
	return "g1", f.err
}

func (f *fakeCalls) AddParticipants(ctx context.Context, members []domain.UserID) error {
	f.members = members
	return f.err
}

func (f *fakeCalls) Answer(ctx context.Context, accept bool) error {
	f.accepted = &accept
	return f.err
}

func (f *fakeCalls) Hangup(ctx context.Context) error {
	f.hangups++
	return f.err
}

func (f *fakeCalls) Cancel(ctx context.Context) error {
	return f.Hangup(ctx)
}

func (f *fakeCalls) Mute(ctx context.Context, kind domain.MediaKind, muted bool) error {
	if f.muted == nil {
		f.muted = make(map[domain.MediaKind]bool)
	}
	f.muted[kind] = muted
	return f.err
}

func (f *fakeCalls) Subscribe(ctx context.Context, user domain.UserID) error {
	f.subbed = append(f.subbed, user)
	return f.err
}

func (f *fakeCalls) CurrentCall() (domain.CallInfo, bool) {
	if f.current == nil {
		return domain.CallInfo{}, false
	}
	return *f.current, true
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartCall(t *testing.T) {
	assert := assert.New(t)
	calls := &fakeCalls{}
	h := NewCallHandler(calls, nil).NewRouter()

	rec := do(t, h, http.MethodPost, "/calls/", `{"target":"bob","type":"video"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp callResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(domain.CallID("c1"), resp.CallID)
	assert.Equal(domain.UserID("bob"), calls.target)
	assert.Equal(domain.CallVideo, calls.callType)

	rec = do(t, h, http.MethodPost, "/calls/", `{not json`)
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestGroupCallAndParticipants(t *testing.T) {
	assert := assert.New(t)
	calls := &fakeCalls{}
	h := NewCallHandler(calls, nil).NewRouter()

	rec := do(t, h, http.MethodPost, "/calls/group", `{"group":{"groupId":"team"},"members":["bob","carol"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal("team", calls.group.GroupID)
	assert.Equal([]domain.UserID{"bob", "carol"}, calls.members)

	rec = do(t, h, http.MethodPost, "/calls/participants", `{"members":["dave"]}`)
	assert.Equal(http.StatusNoContent, rec.Code)
	assert.Equal([]domain.UserID{"dave"}, calls.members)
}

func TestAnswerHangupCurrent(t *testing.T) {
	assert := assert.New(t)
	calls := &fakeCalls{}
	h := NewCallHandler(calls, nil).NewRouter()

	rec := do(t, h, http.MethodGet, "/calls/current", "")
	assert.Equal(http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/calls/answer", `{"accept":false}`)
	assert.Equal(http.StatusNoContent, rec.Code)
	require.NotNil(t, calls.accepted)
	assert.False(*calls.accepted)

	do(t, h, http.MethodPost, "/calls/hangup", "")
	do(t, h, http.MethodPost, "/calls/cancel", "")
	assert.Equal(2, calls.hangups)

	calls.current = &domain.CallInfo{CallID: "c1", State: domain.StateRinging}
	rec = do(t, h, http.MethodGet, "/calls/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.CallInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(domain.StateRinging, info.State)
}

func TestMuteAndSubscribe(t *testing.T) {
	assert := assert.New(t)
	calls := &fakeCalls{}
	h := NewCallHandler(calls, nil).NewRouter()

	rec := do(t, h, http.MethodPost, "/calls/mute", `{"kind":"video","muted":true}`)
	assert.Equal(http.StatusNoContent, rec.Code)
	assert.Equal(map[domain.MediaKind]bool{domain.MediaVideo: true}, calls.muted)

	rec = do(t, h, http.MethodPost, "/calls/subscribe", `{"user":"bob"}`)
	assert.Equal(http.StatusNoContent, rec.Code)
	assert.Equal([]domain.UserID{"bob"}, calls.subbed)

	calls.err = domain.NewCallError(domain.KindState, "mute", "", domain.ErrNotInChannel)
	rec = do(t, h, http.MethodPost, "/calls/mute", `{"kind":"audio","muted":true}`)
	assert.Equal(http.StatusConflict, rec.Code)
}

func TestCallErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
		kind string
	}{
		{domain.NewCallError(domain.KindParam, "call", "", domain.ErrSelfTarget), http.StatusBadRequest, "param"},
		{domain.NewCallError(domain.KindState, "call", "c0", domain.ErrAlreadyInCall), http.StatusConflict, "state"},
		{domain.NewCallError(domain.KindEngine, "call", "", assert.AnError), http.StatusBadGateway, "engine"},
		{domain.ErrClosed, http.StatusServiceUnavailable, ""},
		{assert.AnError, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewCallHandler(&fakeCalls{err: tt.err}, nil).NewRouter()
			rec := do(t, h, http.MethodPost, "/calls/", `{"target":"bob","type":"audio"}`)
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}
