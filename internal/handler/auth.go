package handler

import (
	"context"
)

type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

type AuthHandlerInterface interface {
	Handle(ctx context.Context, req AuthRequest) (string, error)
}

type CredentialValidator interface {
	ValidateCredential(token string) (string, error)
}

// AuthHandler resolves the user behind a connection that authenticates with
// its first control message instead of the upgrade request.
type AuthHandler struct {
	validator     *Validator
	authenticator CredentialValidator
}

func NewAuthHandler(validator *Validator, authenticator CredentialValidator) *AuthHandler {
	return &AuthHandler{
		validator,
		authenticator,
	}
}

func (h *AuthHandler) Handle(ctx context.Context, req AuthRequest) (string, error) {
	err := h.validator.Validate(req)
	if err != nil {
		return "", err
	}

	return h.authenticator.ValidateCredential(req.Token)
}
