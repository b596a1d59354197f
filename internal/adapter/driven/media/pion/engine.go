package pion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotSetup     = errors.New("media engine not set up")
	ErrNotJoined    = errors.New("not joined to a channel")
	ErrUnknownPeer  = errors.New("no media from participant")
	ErrUnknownMedia = errors.New("unknown media kind")
)

type remoteTrack struct {
	uid   string
	kind  webrtc.RTPCodecType
	track *webrtc.TrackRemote
}

// Engine joins channels on an SFU over a single PeerConnection. The SDP
// offer/answer exchange is an HTTP POST of the offer to
// <endpoint>/<channel>, authorised by the channel token; the SFU answers
// with its SDP and the Location of the session, which is DELETEd on leave.
// Remote participants are identified by the stream id of their tracks.
type Engine struct {
	endpoint   string
	iceServers []webrtc.ICEServer
	client     *http.Client

	setupOnce sync.Once
	setupErr  error
	api       *webrtc.API

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	channel  string
	uid      string
	token    string
	resource string
	publish  map[domain.MediaKind]bool
	local    map[domain.MediaKind]*webrtc.TrackLocalStaticRTP
	senders  map[domain.MediaKind]*webrtc.RTPSender
	muted    map[domain.MediaKind]bool
	remotes  map[webrtc.SSRC]remoteTrack

	events chan domain.MediaEvent
}

func NewEngine(endpoint string, iceURLs []string) *Engine {
	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &Engine{
		endpoint:   strings.TrimRight(endpoint, "/"),
		iceServers: servers,
		client:     &http.Client{},
		publish:    make(map[domain.MediaKind]bool),
		local:      make(map[domain.MediaKind]*webrtc.TrackLocalStaticRTP),
		senders:    make(map[domain.MediaKind]*webrtc.RTPSender),
		muted:      make(map[domain.MediaKind]bool),
		remotes:    make(map[webrtc.SSRC]remoteTrack),
		events:     make(chan domain.MediaEvent, 64),
	}
}

func (e *Engine) Setup() error {
	e.setupOnce.Do(func() {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			e.setupErr = fmt.Errorf("register codecs: %w", err)
			return
		}
		e.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	})
	return e.setupErr
}

func (e *Engine) Events() <-chan domain.MediaEvent {
	return e.events
}

func (e *Engine) JoinChannel(ctx context.Context, channelName, uid, token string) error {
	if e.api == nil {
		return ErrNotSetup
	}

	e.mu.Lock()
	if e.pc != nil {
		e.leaveLocked()
	}
	e.mu.Unlock()

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	// Receive slots for the other participants.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	e.mu.Lock()
	e.pc = pc
	e.channel = channelName
	e.uid = uid
	e.token = token
	for kind := range e.publish {
		if err := e.addLocalTrack(kind); err != nil {
			e.leaveLocked()
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.onTrack(pc, channelName, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("channel", channelName).Str("state", state.String()).Msg("Peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed {
			log.Error().Str("channel", channelName).Msg("Peer connection failed")
		}
	})

	location, err := e.negotiate(ctx, pc, e.endpoint+"/"+url.PathEscape(channelName), http.MethodPost, token)
	if err != nil {
		e.mu.Lock()
		if e.pc == pc {
			e.leaveLocked()
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc != pc {
		return ErrNotJoined
	}
	e.resource = location
	log.Info().Str("channel", channelName).Str("uid", uid).Msg("Joined media channel")
	return nil
}

// negotiate runs one offer/answer round against target and returns the
// session resource the SFU reported.
func (e *Engine) negotiate(ctx context.Context, pc *webrtc.PeerConnection, target, method, token string) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewBufferString(pc.LocalDescription().SDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sfu rejected offer: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return target, nil
	}
	if u, err := resp.Request.URL.Parse(location); err == nil {
		location = u.String()
	}
	return location, nil
}

func (e *Engine) onTrack(pc *webrtc.PeerConnection, channel string, track *webrtc.TrackRemote) {
	uid := track.StreamID()
	ssrc := track.SSRC()

	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	first := !e.hasRemoteLocked(uid)
	e.remotes[ssrc] = remoteTrack{uid: uid, kind: track.Kind(), track: track}
	e.mu.Unlock()

	log.Debug().Str("kind", track.Kind().String()).Str("uid", uid).Msg("Received remote track")
	if first {
		e.emit(domain.MediaEvent{Type: domain.MediaUserJoined, ChannelName: channel, UID: uid})
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		e.requestKeyframe(pc, ssrc)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				break
			}
		}

		e.mu.Lock()
		if e.pc != pc {
			e.mu.Unlock()
			return
		}
		delete(e.remotes, ssrc)
		last := !e.hasRemoteLocked(uid)
		e.mu.Unlock()

		if last {
			e.emit(domain.MediaEvent{Type: domain.MediaUserLeft, ChannelName: channel, UID: uid})
		}
	}()
}

func (e *Engine) hasRemoteLocked(uid string) bool {
	for _, r := range e.remotes {
		if r.uid == uid {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ev domain.MediaEvent) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Str("uid", ev.UID).Msg("Media event dropped")
	}
}

func (e *Engine) requestKeyframe(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) error {
	return pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
}

func (e *Engine) LeaveChannel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return 0
	}
	e.leaveLocked()
	return 0
}

func (e *Engine) leaveLocked() {
	channel, resource, token := e.channel, e.resource, e.token
	if err := e.pc.Close(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Failed to close peer connection")
	}
	e.pc = nil
	e.channel, e.uid, e.token, e.resource = "", "", "", ""
	e.local = make(map[domain.MediaKind]*webrtc.TrackLocalStaticRTP)
	e.senders = make(map[domain.MediaKind]*webrtc.RTPSender)
	e.remotes = make(map[webrtc.SSRC]remoteTrack)

	if resource != "" {
		go e.release(resource, token)
	}
	log.Info().Str("channel", channel).Msg("Left media channel")
}

func (e *Engine) release(resource, token string) {
	req, err := http.NewRequest(http.MethodDelete, resource, nil)
	if err != nil {
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("Failed to release media session")
		return
	}
	resp.Body.Close()
}

func codecFor(kind domain.MediaKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case domain.MediaAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case domain.MediaVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: %q", ErrUnknownMedia, kind)
}

func (e *Engine) addLocalTrack(kind domain.MediaKind) error {
	codec, err := codecFor(kind)
	if err != nil {
		return err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), e.uid)
	if err != nil {
		return fmt.Errorf("new %s track: %w", kind, err)
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	e.local[kind] = track
	e.senders[kind] = sender
	if e.muted[kind] {
		return sender.ReplaceTrack(nil)
	}
	return nil
}

// Publish sends local media of kind. Before a join it only records the
// wish; on a joined channel it adds the track and renegotiates.
func (e *Engine) Publish(kind domain.MediaKind) error {
	if _, err := codecFor(kind); err != nil {
		return err
	}

	e.mu.Lock()
	e.publish[kind] = true
	if e.pc == nil || e.local[kind] != nil {
		e.mu.Unlock()
		return nil
	}
	if err := e.addLocalTrack(kind); err != nil {
		e.mu.Unlock()
		return err
	}
	pc, resource, token := e.pc, e.resource, e.token
	e.mu.Unlock()

	_, err := e.negotiate(context.Background(), pc, resource, http.MethodPatch, token)
	return err
}

// Track returns the local track of kind, for the host to write RTP into.
func (e *Engine) Track(kind domain.MediaKind) (*webrtc.TrackLocalStaticRTP, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.local[kind]
	return t, ok
}

// Subscribe asks the SFU for a fresh keyframe of every video track of uid.
func (e *Engine) Subscribe(uid string) error {
	e.mu.Lock()
	pc := e.pc
	var ssrcs []webrtc.SSRC
	for ssrc, r := range e.remotes {
		if r.uid == uid && r.kind == webrtc.RTPCodecTypeVideo {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	e.mu.Unlock()

	if pc == nil {
		return ErrNotJoined
	}
	if len(ssrcs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, uid)
	}
	for _, ssrc := range ssrcs {
		if err := e.requestKeyframe(pc, ssrc); err != nil {
			return fmt.Errorf("request keyframe: %w", err)
		}
	}
	return nil
}

func (e *Engine) Mute(kind domain.MediaKind, muted bool) error {
	if _, err := codecFor(kind); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted[kind] = muted
	sender, ok := e.senders[kind]
	if !ok {
		return nil
	}
	if muted {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(e.local[kind])
}
