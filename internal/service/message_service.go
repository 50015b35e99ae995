package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/conversation"
	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// autoMessageNS derives stable message ids from draft ids.
var autoMessageNS = uuid.MustParse("6f1b3a52-9c1e-4b7a-8d0e-2f5c7e91a4d3")

type SendRequest struct {
	ReceiverID string             `json:"receiver_id"`
	Content    string             `json:"content"`
	Type       domain.MessageType `json:"message_type"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Delivered is a persisted message and the conversation it landed in.
type Delivered struct {
	Message      *domain.Message
	Conversation *domain.Conversation
}

// MessageService is the single write path for direct messages, shared by
// the live gateway and the queue consumer.
type MessageService struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	convs    *conversation.Aggregator
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewMessageService(users repository.UserRepository, messages repository.MessageRepository, convs *conversation.Aggregator, log *zap.SugaredLogger) *MessageService {
	return &MessageService{
		users:    users,
		messages: messages,
		convs:    convs,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("messages"),
	}
}

// WithClock replaces the time source.
func (s *MessageService) WithClock(now func() time.Time) *MessageService {
	s.now = now
	return s
}

// MessageIDForDraft is the id a draft's message is stored under, so
// redelivering the same job never stores a second message.
func MessageIDForDraft(draftID string) string {
	return uuid.NewSHA1(autoMessageNS, []byte(draftID)).String()
}

// SendDirect validates and stores a live message from senderID.
func (s *MessageService) SendDirect(ctx context.Context, senderID string, req SendRequest) (*Delivered, error) {
	msg := &domain.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
		Metadata:   req.Metadata,
		CreatedAt:  s.now(),
	}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	receiver, err := s.users.GetByID(ctx, msg.ReceiverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrReceiverUnavailable
		}
		return nil, fmt.Errorf("load receiver %s: %w", msg.ReceiverID, err)
	}
	if !receiver.IsActive {
		return nil, domain.ErrReceiverUnavailable
	}

	out, err := s.Deliver(ctx, msg)
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues("live").Inc()
	return out, nil
}

// Deliver stores msg and updates the pair's conversation. Saving is
// idempotent on msg.ID.
func (s *MessageService) Deliver(ctx context.Context, msg *domain.Message) (*Delivered, error) {
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	if err := s.messages.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	conv, err := s.convs.FindOrCreate(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		return nil, err
	}
	conv, err = s.convs.RecordDelivery(ctx, conv, msg)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("message stored", "message_id", msg.ID, "conversation_id", conv.ID)
	return &Delivered{Message: msg, Conversation: conv}, nil
}

// MarkRead flags the message as read and zeroes the reader's unread count.
// Only the receiver may do this.
func (s *MessageService) MarkRead(ctx context.Context, readerID, messageID string) (*domain.Message, *domain.Conversation, error) {
	if messageID == "" {
		return nil, nil, domain.ErrMessageRequired
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if msg.ReceiverID != readerID {
		return nil, nil, domain.ErrNotReceiver
	}

	at := s.now()
	if !msg.IsRead {
		if err := s.messages.MarkRead(ctx, messageID, at); err != nil {
			return nil, nil, fmt.Errorf("mark read %s: %w", messageID, err)
		}
		msg.IsRead = true
		msg.ReadAt = &at
	}

	conv, err := s.convs.Find(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return msg, nil, nil
		}
		return nil, nil, fmt.Errorf("find conversation: %w", err)
	}
	conv, err = s.convs.RecordRead(ctx, conv, readerID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// SoftDelete hides a message. Either participant may delete it.
func (s *MessageService) SoftDelete(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return domain.ErrMessageRequired
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return domain.ErrNotParticipant
	}
	if msg.IsDeleted {
		return nil
	}
	return s.messages.SoftDelete(ctx, messageID, userID, s.now())
}

// Conversations lists userID's conversations, most recent message first.
func (s *MessageService) Conversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	return s.convs.List(ctx, userID, limit)
}

// UnreadCount sums userID's unread messages across conversations.
func (s *MessageService) UnreadCount(ctx context.Context, userID string) (conversation.Unread, error) {
	return s.convs.UnreadFor(ctx, userID)
}
