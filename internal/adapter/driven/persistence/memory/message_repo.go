package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MessageRepository struct {
	mu       sync.Mutex
	messages map[domain.MessageID]domain.Message
	queue    map[domain.UserID][]domain.Message
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make(map[domain.MessageID]domain.Message),
		queue:    make(map[domain.UserID][]domain.Message),
	}
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = msg
	return nil
}

func (r *MessageRepository) Find(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrMessageNotFound)
	}
	return msg, nil
}

func (r *MessageRepository) UpdateExt(ctx context.Context, id domain.MessageID, ext map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, domain.ErrMessageNotFound)
	}
	merged := make(map[string]any, len(msg.Ext)+len(ext))
	for k, v := range msg.Ext {
		merged[k] = v
	}
	for k, v := range ext {
		merged[k] = v
	}
	msg.Ext = merged
	r.messages[id] = msg
	return nil
}

func (r *MessageRepository) Enqueue(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue[msg.To] = append(r.queue[msg.To], msg)
	return nil
}

func (r *MessageRepository) Drain(ctx context.Context, user domain.UserID) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.queue[user]
	delete(r.queue, user)
	return msgs, nil
}
