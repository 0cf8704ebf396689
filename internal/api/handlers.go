// Package api provides HTTP handlers for DripFlow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/sequence"
)

// OrgIDHeader carries the caller's organization. Authentication happens
// upstream; by the time a request reaches this service the header is trusted.
const OrgIDHeader = "X-Org-ID"

// orgID extracts the caller's organization from the request. An empty value
// writes a 400 and reports false.
func orgID(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := r.Header.Get(OrgIDHeader)
	if org == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+OrgIDHeader+" header"))
		return "", false
	}
	return org, true
}

// decodeJSON decodes the request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Failed to decode JSON request", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequence.ErrSequenceNotFound),
		errors.Is(err, sequence.ErrStepNotFound),
		errors.Is(err, sequence.ErrExecutionNotFound),
		errors.Is(err, sequence.ErrConversationNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, sequence.ErrShortcutTaken),
		errors.Is(err, sequence.ErrExecutionFinished):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case isValidationError(err):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func isValidationError(err error) bool {
	validationErrors := []error{
		models.ErrEmptySequenceName,
		models.ErrSequenceNameTooLong,
		models.ErrInvalidSequenceStatus,
		models.ErrShortcutTooLong,
		models.ErrShortcutWhitespace,
		models.ErrInvalidStepType,
		models.ErrEmptyStepBody,
		models.ErrStepBodyTooLong,
		models.ErrMissingMediaURL,
		models.ErrMissingDelay,
		models.ErrUnexpectedDelay,
		models.ErrUnexpectedContent,
		sequence.ErrStepCountMismatch,
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "up"}))
}

func (s *Server) createSequenceHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.CreateSequenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seq, err := s.service.CreateSequence(org, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(seq))
}

func (s *Server) listSequencesHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	seqs, err := s.service.ListSequences(org)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if seqs == nil {
		seqs = []models.Sequence{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seqs))
}

func (s *Server) searchSequencesHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	seqs, err := s.service.SearchByShortcut(org, prefix, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if seqs == nil {
		seqs = []models.Sequence{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seqs))
}

func (s *Server) getSequenceHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	seq, err := s.service.GetSequence(org, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seq))
}

func (s *Server) updateSequenceHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.UpdateSequenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seq, err := s.service.UpdateSequence(org, r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seq))
}

func (s *Server) deleteSequenceHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteSequence(org, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sequence deleted", nil))
}

func (s *Server) addStepHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.StepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := s.service.AddStep(org, r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(step))
}

func (s *Server) listStepsHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	steps, err := s.service.ListSteps(org, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []models.Step{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(steps))
}

func (s *Server) updateStepHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.StepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := s.service.UpdateStep(org, r.PathValue("id"), r.PathValue("stepID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(step))
}

func (s *Server) deleteStepHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteStep(org, r.PathValue("id"), r.PathValue("stepID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step deleted", nil))
}

func (s *Server) reorderStepsHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.ReorderStepsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.service.ReorderSteps(org, r.PathValue("id"), req.StepIDs); err != nil {
		writeServiceError(w, err)
		return
	}
	steps, err := s.service.ListSteps(org, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(steps))
}

func (s *Server) startExecutionHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.StartExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_id is required"))
		return
	}
	exec, err := s.service.StartExecution(org, r.PathValue("id"), req.ConversationID, req.ScheduledAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(exec))
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	exec, err := s.service.GetExecution(org, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exec))
}

func (s *Server) stopExecutionHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	exec, err := s.service.StopExecution(org, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exec))
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	var req models.CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	canonical, err := s.sender.ValidateAndCanonicalizeRecipient(req.ContactAddress)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid contact address: "+err.Error()))
		return
	}
	req.ContactAddress = canonical

	conv, err := s.service.CreateConversation(org, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(conv))
}

func (s *Server) listConversationExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	execs, err := s.service.ListConversationExecutions(org, r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if execs == nil {
		execs = []models.Execution{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(execs))
}
