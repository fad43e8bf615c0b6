package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type evaluateRequest struct {
	AsOf  string         `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	Facts map[string]any `json:"facts" validate:"required"`
}

type decisionRequest struct {
	Decision  model.Decision `json:"decision" validate:"required,oneof=approve reject"`
	Rationale string         `json:"rationale" validate:"required"`
	Reviewer  string         `json:"reviewer" validate:"required"`
}

type revalidateRequest struct {
	Confidence float64 `json:"confidence" validate:"gt=0,lte=1"`
	EvidenceID string  `json:"evidence_id,omitempty"`
	By         string  `json:"by" validate:"required"`
}

type replayRequest struct {
	By string `json:"by"`
}

type verifyResponse struct {
	Version     int64  `json:"version"`
	ContentHash string `json:"content_hash"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAsOf(w http.ResponseWriter, r *http.Request) {
	date, err := s.day(r.URL.Query().Get("as_of"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rules, err := s.reader.AsOf(r.Context(), chi.URLParam(r, "concept"), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concept": chi.URLParam(r, "concept"),
		"as_of":   date.Format(model.DateLayout),
		"rules":   rules,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	date, err := s.day(req.AsOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.reader.Evaluate(r.Context(), chi.URLParam(r, "concept"), date, req.Facts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concept": chi.URLParam(r, "concept"),
		"as_of":   date.Format(model.DateLayout),
		"results": results,
	})
}

func (s *Server) handleCurrentRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := s.reader.CurrentRelease(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	version, ok := s.version(w, r)
	if !ok {
		return
	}
	rel, err := s.reader.Release(r.Context(), version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleVerifyRelease(w http.ResponseWriter, r *http.Request) {
	version, ok := s.version(w, r)
	if !ok {
		return
	}
	rel, err := s.reader.VerifyRelease(r.Context(), version)
	if err != nil && !fault.IsIntegrity(err) {
		s.writeError(w, r, err)
		return
	}
	resp := verifyResponse{Version: version, Valid: err == nil}
	if rel != nil {
		resp.ContentHash = rel.ContentHash
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusConflict
		s.logger.Error("release failed verification", "version", version, "error", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRevalidation(w http.ResponseWriter, r *http.Request) {
	var floor float64
	if raw := r.URL.Query().Get("floor"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			s.writeError(w, r, fault.Validation("revalidation", "floor must be a number in [0,1]"))
			return
		}
		floor = f
	}
	entries, err := s.reader.Revalidation(r.Context(), floor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": entries})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	open, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	conflicts, err := s.reader.Conflicts(r.Context(), open)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.operator.Decide(r.Context(), chi.URLParam(r, "id"), req.Decision, req.Rationale, req.Reviewer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	var req revalidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule, err := s.operator.Revalidate(r.Context(), chi.URLParam(r, "id"), req.Confidence, req.EvidenceID, req.By)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.operator.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := s.operator.DeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	job, err := s.operator.Replay(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"stage":  job.Stage,
	})
}

// day parses an optional YYYY-MM-DD date; empty means today
func (s *Server) day(raw string) (time.Time, error) {
	if raw == "" {
		return model.Day(s.now()), nil
	}
	d, err := model.ParseDay(raw)
	if err != nil {
		return time.Time{}, fault.Validation("as_of", "date must be YYYY-MM-DD")
	}
	return d, nil
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || v < 1 {
		s.writeError(w, r, fault.Validation("release", "version must be a positive integer"))
		return 0, false
	}
	return v, true
}

// decode reads a JSON body into v and validates it, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fault.Validation("decode request", "invalid JSON body"))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			err = fault.Validation("request", "field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		s.writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kindOf(err)})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case fault.IsValidation(err):
		return http.StatusBadRequest
	case fault.IsIntegrity(err):
		return http.StatusConflict
	case fault.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindOf(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
