package feed

import (
	"context"
	"fmt"

	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/logger"
	"github.com/sipline/chatkit/rest"
)

// Service drives one room's Timeline: it pulls the snapshot over REST,
// feeds live events in, and wraps the user-initiated write paths. Write
// failures surface to the caller so the UI can offer a retry; inbound
// anomalies are absorbed here.
type Service struct {
	groupID  string
	api      *rest.Client
	timeline *Timeline
	logger   *logger.Logger
}

func NewService(groupID, viewerID string, api *rest.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		groupID:  groupID,
		api:      api,
		timeline: NewTimeline(viewerID, log),
		logger:   log,
	}
	s.timeline.SetSeenFunc(func() {
		if err := api.MarkRead(context.Background(), groupID); err != nil {
			log.Warnf("Mark-read for group %s failed: %v", groupID, err)
		}
	})
	return s
}

// Timeline exposes the underlying reconciled list.
func (s *Service) Timeline() *Timeline { return s.timeline }

// Refresh fetches the current message page and merges it into the
// timeline. Safe to call any number of times; identical pages are cheap.
func (s *Service) Refresh(ctx context.Context) error {
	messages, err := s.api.FetchMessages(ctx, s.groupID)
	if err != nil {
		return fmt.Errorf("refresh group %s: %w", s.groupID, err)
	}
	s.timeline.LoadSnapshot(messages)
	return nil
}

// HandleMessage is the live new_message sink, shaped to fit
// room.Handlers.OnMessage.
func (s *Service) HandleMessage(msg chat.Message) {
	s.timeline.ApplyIncoming(msg)
}

// HandleDeleted is the live message_deleted sink.
func (s *Service) HandleDeleted(messageID string) {
	s.timeline.ApplyDeletion(messageID)
}

// Send posts a message and folds the server's copy into the timeline
// immediately, so the sender sees it before the broadcast echoes back. The
// echo is then dropped as a duplicate.
func (s *Service) Send(ctx context.Context, text string) (chat.Message, error) {
	msg, err := s.api.SendMessage(ctx, s.groupID, text)
	if err != nil {
		return chat.Message{}, fmt.Errorf("send to group %s: %w", s.groupID, err)
	}
	s.timeline.ApplyIncoming(msg)
	return msg, nil
}

// Delete removes a message server-side and tombstones it locally without
// waiting for the deletion event.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	s.timeline.ApplyDeletion(messageID)
	return nil
}
