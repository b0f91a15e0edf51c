package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bizmsg/internal/connectivity"
	"bizmsg/internal/constants"
	"bizmsg/internal/errors"
	"bizmsg/internal/metrics"
	"bizmsg/internal/middleware"
	"bizmsg/internal/models"
	"bizmsg/internal/privacy"
	"bizmsg/internal/queue"
	"bizmsg/internal/status"
	"bizmsg/internal/trigger"
	"bizmsg/internal/validation"
	"bizmsg/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 64 * 1024

// breakerReporter is implemented by both delivery modes.
type breakerReporter interface {
	BreakerState() circuitbreaker.State
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	server    *http.Server
	cfg       *models.Config
	manager   *queue.Manager
	scheduler *trigger.Scheduler
	signal    *connectivity.Signal
	projector *status.Projector
	breaker   breakerReporter
}

func NewServer(cfg *models.Config, manager *queue.Manager, scheduler *trigger.Scheduler, signal *connectivity.Signal, breaker breakerReporter, logger *logrus.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		cfg:       cfg,
		manager:   manager,
		scheduler: scheduler,
		signal:    signal,
		projector: status.NewProjector(manager, signal),
		breaker:   breaker,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.API.TimeoutSec+constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(middleware.RequireToken(s.cfg.Server.AuthToken, s.logger, "/health", "/metrics"))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleEnqueue()).Methods(http.MethodPost)
	v1.HandleFunc("/messages", s.handlePending()).Methods(http.MethodGet)
	v1.HandleFunc("/messages/failed", s.handleFailed()).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{clientId}", s.handleDiscard()).Methods(http.MethodDelete)
	v1.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)
	v1.HandleFunc("/retry", s.handleRetry()).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	v1.HandleFunc("/status/error", s.handleDismissError()).Methods(http.MethodDelete)
	v1.HandleFunc("/connectivity", s.handleConnectivity()).Methods(http.MethodPost)
	v1.HandleFunc("/foreground", s.handleForeground()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting control API on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.manager.State()
		resp := models.HealthResponse{
			Status:           "ok",
			Version:          Version,
			StorageBackend:   string(s.cfg.Storage.Backend),
			StoreUnavailable: state.StoreUnavailable,
		}
		if s.breaker != nil {
			resp.Circuit = s.breaker.BreakerState().String()
		}

		code := http.StatusOK
		if state.StoreUnavailable {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, resp)
	}
}

func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.SendRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		clientID, err := s.manager.Enqueue(r.Context(), req.ConversationID, req.Content, req.MessageType, req.MediaURL)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.scheduler.Kick()
		s.writeJSON(w, http.StatusAccepted, models.SendResponse{ClientID: clientID})
	}
}

func (s *Server) handlePending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.manager.PendingMessages())
	}
}

func (s *Server) handleFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.manager.FailedMessages())
	}
}

func (s *Server) handleDiscard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["clientId"]
		if err := validation.ValidateClientID(clientID); err != nil {
			s.writeError(w, r, err)
			return
		}

		if err := s.manager.Discard(r.Context(), clientID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.scheduler.SyncNow(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.scheduler.RetryAll(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.projector.Snapshot())
	}
}

func (s *Server) handleDismissError() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.manager.DismissError()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleConnectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ConnectivityRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.signal.Set(req.Online)
		s.writeJSON(w, http.StatusOK, s.projector.Snapshot())
	}
}

func (s *Server) handleForeground() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ForegroundRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.scheduler.SetForeground(req.Foreground)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, maxRequestBodyBytes); err != nil {
		return err
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid JSON body").
			WithUserMessage("Request body must be valid JSON")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.HTTPStatusCode(err)
	fields := logrus.Fields{
		"error_code": errors.GetCode(err),
		"path":       r.URL.Path,
	}
	if clientID, ok := mux.Vars(r)["clientId"]; ok {
		fields["client_id"] = privacy.MaskClientID(clientID)
	}

	if code >= http.StatusInternalServerError {
		s.logger.WithFields(fields).WithError(err).Error("Control API request failed")
	} else {
		s.logger.WithFields(fields).Debug("Control API request rejected")
	}
	s.writeJSON(w, code, errors.ToErrorResponse(err))
}
