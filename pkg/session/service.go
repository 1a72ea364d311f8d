package session

import (
	"fmt"
	"strings"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// titleLimit caps the auto-derived conversation title.
const titleLimit = 500

// Service owns conversation state: the durable message log with its append
// rules, and the snapshot operations plan execution uses to isolate
// subtasks. It implements agent.ConversationLog and exec.Conversations.
type Service struct {
	repo   *persistence.ConversationRepo
	logger *logx.Logger
}

// NewService creates a conversation service over the repository.
func NewService(repo *persistence.ConversationRepo) *Service {
	return &Service{
		repo:   repo,
		logger: logx.NewLogger("session"),
	}
}

// Create starts a new active conversation.
func (s *Service) Create(title, description string) (*persistence.Conversation, error) {
	conv := persistence.NewConversation(utils.NewID())
	conv.Title = title
	conv.Description = description
	if err := s.repo.Save(conv); err != nil {
		return nil, err
	}
	s.logger.Info("💬 created conversation %s", conv.ID)
	return conv, nil
}

// Get loads one conversation or reports ErrNotFound.
func (s *Service) Get(sessionID string) (*persistence.Conversation, error) {
	conv, err := s.repo.FindByID(sessionID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return conv, nil
}

// List returns active conversations ordered by recent activity.
func (s *Service) List(limit, offset int) ([]*persistence.Conversation, error) {
	return s.repo.FindActive(limit, offset)
}

// Deactivate closes a conversation to further appends.
func (s *Service) Deactivate(sessionID string) error {
	conv, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	conv.IsActive = false
	touch(conv)
	return s.repo.Save(conv)
}

// AppendMessage adds one message to the durable log. Appending to an
// inactive conversation and appending past the message cap are rejected
// with a MessageValidationError. The first user message titles an untitled
// conversation.
func (s *Service) AppendMessage(sessionID string, msg proto.Message) error {
	conv, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return &MessageValidationError{SessionID: sessionID, Reason: "conversation is inactive"}
	}
	if len(conv.Messages) >= conv.MaxMessages {
		return &MessageValidationError{SessionID: sessionID, Reason: fmt.Sprintf("message limit of %d reached", conv.MaxMessages)}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if conv.Title == "" && msg.Role == proto.RoleUser {
		conv.Title = deriveTitle(msg.Content)
	}

	conv.Messages = append(conv.Messages, msg)
	touch(conv)
	return s.repo.Save(conv)
}

// Messages returns the conversation's working message list.
func (s *Service) Messages(sessionID string) ([]proto.Message, error) {
	conv, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Snapshot saves the current message list and resets the working list, so
// the next worker turn starts from a clean context: tool-call ids from
// earlier work cannot collide with whatever runs behind the snapshot, and
// the model sees only what the caller seeds next.
func (s *Service) Snapshot(sessionID string) (string, error) {
	conv, err := s.Get(sessionID)
	if err != nil {
		return "", err
	}

	snap := &persistence.Snapshot{
		SnapshotID:     utils.NewID(),
		ConversationID: sessionID,
		Messages:       conv.Messages,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.SaveSnapshot(snap); err != nil {
		return "", err
	}

	conv.Messages = nil
	touch(conv)
	if err := s.repo.Save(conv); err != nil {
		return "", fmt.Errorf("failed to reset working list behind snapshot %s: %w", snap.SnapshotID, err)
	}

	s.logger.Debug("snapshot %s saved %d messages for %s", snap.SnapshotID, len(snap.Messages), sessionID)
	return snap.SnapshotID, nil
}

// RestoreSnapshot replaces the working message list with the snapshot's.
func (s *Service) RestoreSnapshot(sessionID, snapshotID string) error {
	snap, err := s.repo.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("snapshot %s not found", snapshotID)
	}
	if snap.ConversationID != sessionID {
		return fmt.Errorf("snapshot %s belongs to conversation %s, not %s", snapshotID, snap.ConversationID, sessionID)
	}

	conv, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	conv.Messages = snap.Messages
	touch(conv)
	return s.repo.Save(conv)
}

// DropSnapshot deletes a snapshot once its subtask has folded its result
// back into the log.
func (s *Service) DropSnapshot(_, snapshotID string) error {
	return s.repo.DeleteSnapshot(snapshotID)
}

// touch advances lastActivity, never backwards.
func touch(conv *persistence.Conversation) {
	if now := time.Now().UTC(); now.After(conv.LastActivity) {
		conv.LastActivity = now
	}
}

// deriveTitle clips the first user message into a title.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if runes := []rune(title); len(runes) > titleLimit {
		return string(runes[:titleLimit])
	}
	return title
}
