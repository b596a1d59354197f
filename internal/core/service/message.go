package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// MessageService is the relay side of the chat layer: it stores history,
// routes messages to connected devices and holds persisted messages for
// recipients that are offline.
type MessageService struct {
	repo    port.MessageRepository
	gateway port.RealTimeGateway
	now     func() time.Time
}

func NewMessageService(repo port.MessageRepository, gateway port.RealTimeGateway) *MessageService {
	return &MessageService{
		repo:    repo,
		gateway: gateway,
		now:     time.Now,
	}
}

// SendMessage routes msg on behalf of sender. A client-chosen id is kept so
// the sender can later refer to the message; otherwise one is assigned.
func (s *MessageService) SendMessage(ctx context.Context, sender domain.UserID, fromDevice domain.DeviceID, msg domain.Message) (domain.MessageID, error) {
	if msg.To == "" {
		return "", fmt.Errorf("send message: %w", domain.ErrEmptyTarget)
	}
	msg.From = sender
	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	msg.SentAt = s.now().UTC()
	if msg.Delivery == "" {
		msg.Delivery = domain.DeliveryOnline
	}

	if msg.Kind == domain.KindText {
		if err := s.repo.Save(ctx, msg); err != nil {
			return "", fmt.Errorf("save message %s: %w", msg.ID, err)
		}
	}

	delivered, err := s.gateway.Route(ctx, msg, fromDevice)
	if err != nil {
		return "", fmt.Errorf("route message %s: %w", msg.ID, err)
	}
	if delivered == 0 && msg.Delivery == domain.DeliveryPersisted {
		if err := s.repo.Enqueue(ctx, msg); err != nil {
			return "", fmt.Errorf("queue message %s: %w", msg.ID, err)
		}
		log.Debug().Str("message_id", msg.ID.String()).Str("to", msg.To.String()).Msg("Recipient offline, message queued")
	}
	return msg.ID, nil
}

// UpdateMessage merges ext into a stored message. Only its sender may do so.
func (s *MessageService) UpdateMessage(ctx context.Context, sender domain.UserID, id domain.MessageID, ext map[string]any) error {
	msg, err := s.repo.Find(ctx, id)
	if err != nil {
		return err
	}
	if msg.From != sender {
		return fmt.Errorf("update message %s: %w", id, domain.ErrNotMessageOwner)
	}
	return s.repo.UpdateExt(ctx, id, ext)
}

func (s *MessageService) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	return s.repo.Find(ctx, id)
}

// DeliverPending hands back the messages queued while user was offline.
func (s *MessageService) DeliverPending(ctx context.Context, user domain.UserID) ([]domain.Message, error) {
	msgs, err := s.repo.Drain(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("drain queue of %s: %w", user, err)
	}
	now := s.now()
	for i := range msgs {
		msgs[i].QueuedFor = now.Sub(msgs[i].SentAt)
	}
	if len(msgs) > 0 {
		log.Info().Str("user_id", user.String()).Int("count", len(msgs)).Msg("Delivering queued messages")
	}
	return msgs, nil
}
