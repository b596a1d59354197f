package domain

type MediaEventType string

const (
	MediaUserJoined MediaEventType = "user_joined"
	MediaUserLeft   MediaEventType = "user_left"
)

// MediaEvent is reported by the media engine about other participants of the
// joined channel.
type MediaEvent struct {
	Type        MediaEventType
	ChannelName string
	UID         string
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)
