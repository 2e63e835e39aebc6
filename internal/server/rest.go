package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/goevery/relay/internal/auth"
	"github.com/goevery/relay/internal/handler"
	"github.com/goevery/relay/internal/ierr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type APIKeyAuthenticator interface {
	AuthenticateAPIKey(apiKey string) (*auth.Authentication, error)
}

// RESTServer exposes the administrative endpoints used by the rest of the
// backend: presence reads, verification monitoring and message fan-out.
type RESTServer struct {
	logger        *zap.Logger
	authenticator APIKeyAuthenticator
	gatherer      prometheus.Gatherer

	presenceHandler     handler.PresenceHandlerInterface
	verificationHandler handler.VerificationHandlerInterface
	pushHandler         handler.PushHandlerInterface
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator APIKeyAuthenticator,
	gatherer prometheus.Gatherer,
	presenceHandler handler.PresenceHandlerInterface,
	verificationHandler handler.VerificationHandlerInterface,
	pushHandler handler.PushHandlerInterface,
) *RESTServer {
	return &RESTServer{
		logger,
		authenticator,
		gatherer,
		presenceHandler,
		verificationHandler,
		pushHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	router.HandleFunc("/online", s.withAPIKey(s.listOnline)).Methods(http.MethodGet)
	router.HandleFunc("/online/{userId}", s.withAPIKey(s.getOnline)).Methods(http.MethodGet)
	router.HandleFunc("/verifications", s.withAPIKey(s.startVerification)).Methods(http.MethodPost)
	router.HandleFunc("/verifications/{verificationId}", s.withAPIKey(s.getVerification)).Methods(http.MethodGet)
	router.HandleFunc("/verifications/{verificationId}", s.withAPIKey(s.stopVerification)).Methods(http.MethodDelete)
	router.HandleFunc("/conversations/{conversationId}/messages", s.withAPIKey(s.pushMessage)).Methods(http.MethodPost)
}

func (s *RESTServer) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			s.writeError(w, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing api key")))
			return
		}

		authentication, err := s.authenticator.AuthenticateAPIKey(apiKey)
		if err != nil {
			s.writeError(w, err)
			return
		}

		next(w, r.WithContext(auth.WithAuthentication(r.Context(), authentication)))
	}
}

func (s *RESTServer) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *RESTServer) listOnline(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.presenceHandler.List())
}

func (s *RESTServer) getOnline(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.presenceHandler.Get(mux.Vars(r)["userId"]))
}

func (s *RESTServer) startVerification(w http.ResponseWriter, r *http.Request) {
	var req handler.StartVerificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	status, created, err := s.verificationHandler.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}

	s.writeJSON(w, code, status)
}

func (s *RESTServer) getVerification(w http.ResponseWriter, r *http.Request) {
	status, err := s.verificationHandler.Get(r.Context(), mux.Vars(r)["verificationId"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *RESTServer) stopVerification(w http.ResponseWriter, r *http.Request) {
	err := s.verificationHandler.Stop(r.Context(), mux.Vars(r)["verificationId"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *RESTServer) pushMessage(w http.ResponseWriter, r *http.Request) {
	var req handler.PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.ConversationId = mux.Vars(r)["conversationId"]

	// fan-out must finish even if the caller goes away
	response, err := s.pushHandler.Handle(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var handlerErr ierr.Error
	if !errors.As(err, &handlerErr) {
		s.logger.Error("error in rest handler", zap.Error(err))
		handlerErr = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	s.writeJSON(w, statusCode(handlerErr.Code), handlerErr)
}

func statusCode(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeAlreadyExists:
		return http.StatusConflict
	case ierr.ErrorCodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body: "+err.Error()))
	}

	return nil
}
