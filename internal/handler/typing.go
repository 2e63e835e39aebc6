package handler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
	"github.com/samber/lo"
)

// TypingTracker holds the set of users currently typing in each conversation.
type TypingTracker struct {
	mu     sync.Mutex
	typing map[string]map[string]struct{}
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		typing: make(map[string]map[string]struct{}),
	}
}

// Set records userId's state in the conversation and returns the sorted
// list of users still typing there.
func (t *TypingTracker) Set(conversationId string, userId string, isTyping bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[conversationId]
	if isTyping {
		if !ok {
			users = make(map[string]struct{})
			t.typing[conversationId] = users
		}
		users[userId] = struct{}{}
	} else if ok {
		delete(users, userId)
		if len(users) == 0 {
			delete(t.typing, conversationId)
		}
	}

	return t.typingUsersLocked(conversationId)
}

func (t *TypingTracker) TypingUsers(conversationId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.typingUsersLocked(conversationId)
}

// Clear removes userId from every conversation and returns, for each
// conversation it was typing in, the users still typing there.
func (t *TypingTracker) Clear(userId string) map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := make(map[string][]string)

	for conversationId, users := range t.typing {
		if _, ok := users[userId]; !ok {
			continue
		}

		delete(users, userId)
		if len(users) == 0 {
			delete(t.typing, conversationId)
		}

		cleared[conversationId] = t.typingUsersLocked(conversationId)
	}

	return cleared
}

// IMPORTANT: must be called only when the lock is held
func (t *TypingTracker) typingUsersLocked(conversationId string) []string {
	users := lo.Keys(t.typing[conversationId])
	sort.Strings(users)

	return users
}

type TypingRequest struct {
	ConversationId string `json:"conversation_id" validate:"required,max=128,resource_id"`
	IsTyping       *bool  `json:"is_typing" validate:"required"`
}

type TypingHandlerInterface interface {
	Handle(ctx context.Context, req TypingRequest) (int, error)
	Disconnect(ctx context.Context, userId string)
}

type TypingHandler struct {
	validator   *Validator
	tracker     *TypingTracker
	broadcaster *broadcaster.Broadcaster
}

func NewTypingHandler(
	validator *Validator,
	tracker *TypingTracker,
	broadcaster *broadcaster.Broadcaster,
) *TypingHandler {
	return &TypingHandler{
		validator,
		tracker,
		broadcaster,
	}
}

// Handle updates the typing set and fans the indicator out to the other
// members of the conversation.
func (h *TypingHandler) Handle(ctx context.Context, req TypingRequest) (int, error) {
	err := h.validator.Validate(req)
	if err != nil {
		return 0, err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return 0, errors.New("connection not found in context")
	}

	userId := connection.UserId()
	typingUsers := h.tracker.Set(req.ConversationId, userId, *req.IsTyping)

	return h.broadcaster.SendToConversation(ctx, req.ConversationId, event.TypingIndicator{
		ConversationId: req.ConversationId,
		UserId:         userId,
		IsTyping:       *req.IsTyping,
		TypingUsers:    typingUsers,
	}, userId), nil
}

// PresenceListener clears a user's typing state when they go offline,
// whatever removed their connection.
func (h *TypingHandler) PresenceListener() broadcaster.PresenceListener {
	return broadcaster.PresenceListenerFunc(func(userId string, status event.Status) {
		if status == event.StatusOffline {
			h.Disconnect(context.Background(), userId)
		}
	})
}

// Disconnect clears userId's typing state and tells each affected
// conversation that the user stopped typing.
func (h *TypingHandler) Disconnect(ctx context.Context, userId string) {
	for conversationId, typingUsers := range h.tracker.Clear(userId) {
		h.broadcaster.SendToConversation(ctx, conversationId, event.TypingIndicator{
			ConversationId: conversationId,
			UserId:         userId,
			IsTyping:       false,
			TypingUsers:    typingUsers,
		}, userId)
	}
}
