package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"hookbuild/internal/build"
	"hookbuild/internal/history"
	"hookbuild/internal/security"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v57/github"
)

const (
	RecentBuildsLimit = 10  // Default number of builds returned by the status endpoint
	MaxBuildsLimit    = 100 // Upper bound for ?limit= on the status endpoint

	LivenessMessage = "hookbuild is running"
)

// HandleWebhook authenticates a GitHub delivery and runs the build.
// The response is written once the build has finished.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	// Raw bytes exactly as received; the signature covers these.
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
			return
		}
		s.Logger.Warn("Failed to read request body", "error", err, "request_id", requestID)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read request body"})
		return
	}

	signature := r.Header.Get(security.SignatureHeader)
	if !security.VerifySignature(body, signature, s.secret) {
		s.Logger.Warn("Invalid webhook signature",
			"addr", s.Filter.ClientAddress(r),
			"has_signature", signature != "",
			"request_id", requestID)
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	event := github.WebHookType(r)
	req := build.Request{
		DeliveryID: github.DeliveryID(r),
		Event:      event,
	}
	s.Logger.Info("Verified webhook from GitHub",
		"event", event,
		"delivery", req.DeliveryID,
		"request_id", requestID)

	if event == "ping" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}

	if event == "" || event == "push" {
		if push, ok := parsePush(body); ok {
			req.Ref = push.GetRef()
			req.Commit = push.GetAfter()
		}
	}

	if s.Config.Build.BranchFilter {
		if reason := s.skipReason(req); reason != "" {
			s.recordSkipped(r.Context(), req, reason)
			s.respondJSON(w, http.StatusOK, map[string]string{"message": reason})
			return
		}
	}

	ctx := r.Context()
	if timeout := s.Config.QueueTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	job, err := s.Queue.Submit(ctx, req)
	if err != nil {
		s.respondQueueError(w, r, req, err)
		return
	}

	res := job.Result()
	response := map[string]interface{}{"job_id": job.ID}
	if s.Config.Build.ExposeOutput {
		response["output"] = res.Output()
	}

	if !res.Success {
		response["error"] = "Build failed"
		s.respondJSON(w, http.StatusInternalServerError, response)
		return
	}

	response["message"] = "Build succeeded"
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) respondQueueError(w http.ResponseWriter, r *http.Request, req build.Request, err error) {
	var msg string
	switch {
	case errors.Is(err, build.ErrBusy):
		msg = "Build queue is full"
	case errors.Is(err, build.ErrClosed):
		msg = "Server is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "Timed out waiting for build slot"
	default:
		// The client went away while waiting; nobody reads this response.
		msg = "Request cancelled"
	}

	s.Logger.Warn("Build not run",
		"reason", msg,
		"delivery", req.DeliveryID,
		"request_id", middleware.GetReqID(r.Context()))
	s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": msg})
}

// skipReason returns why a delivery does not build the target branch, or
// "" when it does.
func (s *Server) skipReason(req build.Request) string {
	if req.Event != "" && req.Event != "push" {
		return "Ignoring non-push event"
	}
	if !s.Config.MatchesRef(req.Ref) {
		return "Not target branch, skipping"
	}
	return ""
}

func (s *Server) recordSkipped(ctx context.Context, req build.Request, reason string) {
	if s.History == nil {
		return
	}

	record := &history.BuildRecord{
		JobID:        req.DeliveryID,
		Delivery:     req.DeliveryID,
		Event:        req.Event,
		Ref:          req.Ref,
		Status:       history.StatusSkipped,
		ErrorMessage: &reason,
	}
	if req.Commit != "" {
		record.CommitHash = &req.Commit
	}
	if _, err := s.History.RecordBuild(ctx, record); err != nil {
		s.Logger.Error("Failed to record skipped delivery", "error", err, "delivery", req.DeliveryID)
	}
}

// parsePush decodes a push payload. Payloads that are not push events are
// still built, they just carry no ref or commit.
func parsePush(body []byte) (*github.PushEvent, bool) {
	parsed, err := github.ParseWebHook("push", body)
	if err != nil {
		return nil, false
	}
	push, ok := parsed.(*github.PushEvent)
	return push, ok
}

// HandleRoot is a static liveness check.
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, LivenessMessage+"\n")
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.Queue.Stats()

	status, code := "ok", http.StatusOK
	if stats.Closed {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":          status,
		"queue":           stats,
		"history_enabled": s.History != nil,
	})
}

// HandleStatus returns recent builds from history
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Build history is disabled"})
		return
	}

	limit := RecentBuildsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		limit = min(n, MaxBuildsLimit)
	}

	summary, err := s.History.GetSummary(r.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to read build history", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch build status"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":  s.Queue.Stats(),
		"builds": summary,
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
