package draft

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MessageStore is the ordered log of draft messages.
type MessageStore struct {
	ctrl     *Controller
	mirror   mirror
	now      func() time.Time
	newID    func() string
	observer Observer
	changed  *notifier

	mu       sync.Mutex
	messages []Message
}

func newMessageStore(ctrl *Controller, m mirror, now func() time.Time, newID func() string, obs Observer, n *notifier) *MessageStore {
	s := &MessageStore{
		ctrl:     ctrl,
		mirror:   m,
		now:      now,
		newID:    newID,
		observer: obs,
		changed:  n,
	}
	ctrl.onReset(s.reset)
	return s
}

// Append adds typed (isVoice=false) or dictated text to the end of the log.
func (s *MessageStore) Append(content string, isVoice bool) (Message, error) {
	return s.append(content, isVoice, "")
}

// AppendVoice adds a flushed recording with the name of its audio file.
func (s *MessageStore) AppendVoice(content, audioFile string) (Message, error) {
	return s.append(content, true, audioFile)
}

func (s *MessageStore) append(content string, isVoice bool, audioFile string) (Message, error) {
	var msg Message
	err := s.ctrl.guard(func(InProgress) error {
		content = strings.TrimSpace(content)
		if content == "" {
			return ErrEmptyContent
		}
		msg = Message{
			ID:        s.newID(),
			Type:      MessageUser,
			Content:   content,
			Timestamp: s.now().UTC(),
			IsVoice:   isVoice,
			AudioFile: audioFile,
		}

		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.persistLocked()
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	s.observer.MessageAppended(isVoice)
	s.changed.fire()
	return msg, nil
}

// Edit replaces the content of message id. Empty content is rejected without
// touching the message.
func (s *MessageStore) Edit(id, newContent string) (Message, error) {
	var edited Message
	err := s.ctrl.guard(func(InProgress) error {
		newContent = strings.TrimSpace(newContent)
		if newContent == "" {
			return ErrEmptyContent
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		i := s.indexLocked(id)
		if i < 0 {
			return fmt.Errorf("edit %s: %w", id, ErrMessageNotFound)
		}
		editedAt := s.now().UTC()
		s.messages[i].Content = newContent
		s.messages[i].EditedAt = &editedAt
		s.messages[i].EditCount++
		edited = s.messages[i]
		s.persistLocked()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	s.changed.fire()
	return edited, nil
}

// Delete removes message id. Deleting an unknown id is not an error.
func (s *MessageStore) Delete(id string) error {
	removed := false
	err := s.ctrl.guard(func(InProgress) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		i := s.indexLocked(id)
		if i < 0 {
			return nil
		}
		s.messages = slices.Delete(s.messages, i, i+1)
		s.persistLocked()
		removed = true
		return nil
	})
	if err != nil {
		return err
	}

	if removed {
		s.changed.fire()
	}
	return nil
}

// ResetAll empties the log and removes its persisted copy.
func (s *MessageStore) ResetAll() {
	s.mu.Lock()
	s.messages = nil
	s.mirror.del(SlotMessages)
	s.mu.Unlock()
	s.changed.fire()
}

func (s *MessageStore) List() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStore) reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

func (s *MessageStore) indexLocked(id string) int {
	return slices.IndexFunc(s.messages, func(m Message) bool { return m.ID == id })
}

func (s *MessageStore) persistLocked() {
	if len(s.messages) == 0 {
		s.mirror.del(SlotMessages)
		return
	}
	s.mirror.put(SlotMessages, s.messages)
}

// restore loads persisted messages for an active draft. A stale copy left by
// an inactive draft is removed instead.
func (s *MessageStore) restore(active bool) error {
	if !active {
		s.mirror.del(SlotMessages)
		return nil
	}

	var messages []Message
	if _, err := s.mirror.get(SlotMessages, &messages); err != nil {
		return err
	}

	s.mu.Lock()
	s.messages = messages
	s.mu.Unlock()
	return nil
}
