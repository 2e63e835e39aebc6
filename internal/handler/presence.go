package handler

import (
	"github.com/goevery/relay/internal/broadcaster"
)

type OnlineUsersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type UserPresenceResponse struct {
	UserId string `json:"user_id"`
	Online bool   `json:"online"`
}

type PresenceHandlerInterface interface {
	List() OnlineUsersResponse
	Get(userId string) UserPresenceResponse
}

type PresenceHandler struct {
	registry *broadcaster.Registry
}

func NewPresenceHandler(registry *broadcaster.Registry) *PresenceHandler {
	return &PresenceHandler{
		registry,
	}
}

func (h *PresenceHandler) List() OnlineUsersResponse {
	users := h.registry.ListOnline()

	return OnlineUsersResponse{
		Count: len(users),
		Users: users,
	}
}

func (h *PresenceHandler) Get(userId string) UserPresenceResponse {
	return UserPresenceResponse{
		UserId: userId,
		Online: h.registry.IsOnline(userId),
	}
}
