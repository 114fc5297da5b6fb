package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/producer"
	"github.com/quarryhq/quarry/pkg/status"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
)

// Server is the HTTP API server
type Server struct {
	producer   *producer.Producer
	status     *status.Store
	streams    *stream.Client
	store      storage.Store
	aggregator *metrics.Aggregator
	maxLen     int64
	mux        *http.ServeMux
	httpSrv    *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server and registers its routes. streamMaxLen is
// the approximate cap used for auto-save appends.
func NewServer(p *producer.Producer, st *status.Store, streams *stream.Client, store storage.Store, agg *metrics.Aggregator, streamMaxLen int64) *Server {
	mux := http.NewServeMux()
	s := &Server{
		producer:   p,
		status:     st,
		streams:    streams,
		store:      store,
		aggregator: agg,
		maxLen:     streamMaxLen,
		mux:        mux,
		logger:     log.WithComponent("api"),
	}

	mux.HandleFunc("POST /v1/indexing/batch/start", s.handleBatchStart)
	mux.HandleFunc("GET /v1/indexing/batch/status/{repository...}", s.handleBatchStatus)
	mux.HandleFunc("POST /v1/conversations/queue", s.handleConversationQueue)
	mux.HandleFunc("GET /v1/conversations/metrics", s.handleConversationMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Start runs the server until Shutdown
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Code: errCode})
}

type batchStartRequest struct {
	Directory  string `json:"directory"`
	Repository string `json:"repository"`
}

type batchStartResponse struct {
	JobID        string `json:"job_id"`
	TotalFiles   int    `json:"total_files"`
	TotalBatches int    `json:"total_batches"`
	Status       string `json:"status"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req batchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "invalid request body")
		return
	}
	if req.Directory == "" || req.Repository == "" {
		writeError(w, http.StatusBadRequest, "InvalidInput", "directory and repository are required")
		return
	}
	info, err := os.Stat(req.Directory)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "InvalidInput", "directory does not exist")
		return
	}

	summary, err := s.producer.Start(r.Context(), req.Directory, req.Repository)
	if err != nil {
		if errors.Is(err, producer.ErrJobInFlight) {
			writeError(w, http.StatusConflict, "Conflict", "a non-terminal job already exists for this repository")
			return
		}
		s.logger.Error().Str("repository", req.Repository).Err(err).Msg("batch start failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to start indexing job")
		return
	}

	writeJSON(w, http.StatusOK, batchStartResponse{
		JobID:        summary.JobID,
		TotalFiles:   summary.TotalFiles,
		TotalBatches: summary.TotalBatches,
		Status:       string(types.JobStatePending),
	})
}

type batchStatusResponse struct {
	JobID          string   `json:"job_id"`
	Repository     string   `json:"repository"`
	State          string   `json:"state"`
	Progress       string   `json:"progress"`
	TotalFiles     int      `json:"total_files"`
	ProcessedFiles int      `json:"processed_files"`
	FailedFiles    int      `json:"failed_files"`
	CurrentBatch   int      `json:"current_batch"`
	TotalBatches   int      `json:"total_batches"`
	StartedAt      string   `json:"started_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	repository := r.PathValue("repository")
	if repository == "" {
		writeError(w, http.StatusBadRequest, "InvalidInput", "repository is required")
		return
	}

	js, err := s.status.Get(r.Context(), repository)
	if err != nil {
		s.logger.Error().Str("repository", repository).Err(err).Msg("status read failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to read job status")
		return
	}
	if js == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}

	resp := batchStatusResponse{
		JobID:          js.JobID,
		Repository:     js.Repository,
		State:          string(js.State),
		Progress:       js.Progress(),
		TotalFiles:     js.TotalFiles,
		ProcessedFiles: js.ProcessedFiles,
		FailedFiles:    js.FailedFiles,
		CurrentBatch:   js.CurrentBatch,
		TotalBatches:   js.TotalBatches,
		Errors:         js.Errors,
	}
	if !js.StartedAt.IsZero() {
		resp.StartedAt = js.StartedAt.UTC().Format(time.RFC3339)
	}
	if !js.CompletedAt.IsZero() {
		resp.CompletedAt = js.CompletedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type conversationQueueRequest struct {
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
	Project          string `json:"project"`
	Session          string `json:"session"`
	Timestamp        string `json:"timestamp"`
}

type conversationQueueResponse struct {
	MessageID string `json:"message_id"`
	Queued    bool   `json:"queued"`
}

// handleConversationQueue appends one auto-save message. It returns once the
// append is durable; there is no synchronous fallback when the substrate is
// down, callers retry against the 503.
func (s *Server) handleConversationQueue(w http.ResponseWriter, r *http.Request) {
	var req conversationQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "invalid request body")
		return
	}
	if req.Session == "" {
		writeError(w, http.StatusBadRequest, "InvalidInput", "session is required")
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", "timestamp must be RFC 3339")
			return
		}
		ts = parsed
	}

	msg := &types.ConversationMessage{
		UserMessage:      req.UserMessage,
		AssistantMessage: req.AssistantMessage,
		Project:          req.Project,
		Session:          req.Session,
		Timestamp:        ts,
	}
	id, err := s.streams.Append(r.Context(), stream.AutoSaveStream, msg.Fields(), s.maxLen)
	if err != nil {
		if errors.Is(err, stream.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "SubstrateUnavailable", "stream substrate unavailable, retry later")
			return
		}
		s.logger.Error().Err(err).Msg("auto-save enqueue failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to enqueue conversation")
		return
	}

	writeJSON(w, http.StatusOK, conversationQueueResponse{MessageID: id, Queued: true})
}

func (s *Server) handleConversationMetrics(w http.ResponseWriter, r *http.Request) {
	health, err := s.aggregator.AutoSaveHealthSnapshot(r.Context())
	if err != nil {
		if errors.Is(err, stream.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "SubstrateUnavailable", "stream substrate unavailable")
			return
		}
		s.logger.Error().Err(err).Msg("auto-save health snapshot failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to build health snapshot")
		return
	}
	writeJSON(w, http.StatusOK, health)
}
