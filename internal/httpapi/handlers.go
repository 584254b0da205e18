package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 20
)

// setUpdateRequest mirrors session.SetUpdate; absent fields are left unchanged
type setUpdateRequest struct {
	TargetReps *int     `json:"targetReps"`
	Weight     *float64 `json:"weight"`
	ActualReps *int     `json:"actualReps"`
}

func (r setUpdateRequest) update() session.SetUpdate {
	return session.SetUpdate{TargetReps: r.TargetReps, Weight: r.Weight, ActualReps: r.ActualReps}
}

type restRequest struct {
	DurationMs int64 `json:"durationMs"`
}

type linkResponse struct {
	State     string       `json:"state"`
	Reachable bool         `json:"reachable"`
	Stats     bridgeCounts `json:"stats"`
}

type bridgeCounts struct {
	ChunksQueued       uint64 `json:"chunksQueued"`
	ChunksSent         uint64 `json:"chunksSent"`
	ChunksReceived     uint64 `json:"chunksReceived"`
	SamplesDropped     uint64 `json:"samplesDropped"`
	FragmentsSent      uint64 `json:"fragmentsSent"`
	FragmentsReceived  uint64 `json:"fragmentsReceived"`
	DuplicateFragments uint64 `json:"duplicateFragments"`
	TelemetrySent      uint64 `json:"telemetrySent"`
	TelemetryCoalesced uint64 `json:"telemetryCoalesced"`
	TelemetryDiscarded uint64 `json:"telemetryDiscarded"`
	CommandsSent       uint64 `json:"commandsSent"`
	CommandsReceived   uint64 `json:"commandsReceived"`
	CommandsRejected   uint64 `json:"commandsRejected"`
	InvalidFrames      uint64 `json:"invalidFrames"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, http.StatusOK)
}

// action adapts a no-argument session call into a handler answering with the new snapshot
func (s *Server) action(f func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, f())
	}
}

// handleStart accepts the plan as JSON, or as YAML when the content type says so
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var plan model.Plan
	var err error
	if isYAML(r.Header.Get("Content-Type")) {
		plan, err = model.ParsePlan(body)
	} else {
		dec := json.NewDecoder(body)
		dec.DisallowUnknownFields()
		if err = dec.Decode(&plan); err == nil {
			err = plan.Validate()
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid plan: %w", err))
		return
	}
	s.respond(w, s.sess.StartWorkout(plan))
}

func (s *Server) handleEndSet(w http.ResponseWriter, r *http.Request) {
	var req setUpdateRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	s.respond(w, s.sess.EndSet(req.update()))
}

func (s *Server) handleStartSet(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.sess.StartSet(chi.URLParam(r, "id")))
}

func (s *Server) handleUpdateSet(w http.ResponseWriter, r *http.Request) {
	var req setUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respond(w, s.sess.UpdateSet(chi.URLParam(r, "id"), req.update()))
}

func (s *Server) handleRestDuration(f func(time.Duration) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s.respond(w, f(time.Duration(req.DurationMs)*time.Millisecond))
	}
}

func (s *Server) handleListWorkouts(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}
	workouts, err := s.history.ListWorkouts(r.Context(), limit)
	if err != nil {
		s.logger.Printf("HTTP: list workouts: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, workouts)
}

func (s *Server) handleWorkoutSets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sets, err := s.history.WorkoutSets(r.Context(), id)
	if err != nil {
		s.logger.Printf("HTTP: workout %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(sets) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("workout %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	st := s.link.Stats()
	writeJSON(w, http.StatusOK, linkResponse{
		State:     s.link.State().String(),
		Reachable: s.link.Reachable(),
		Stats: bridgeCounts{
			ChunksQueued:       st.ChunksQueued,
			ChunksSent:         st.ChunksSent,
			ChunksReceived:     st.ChunksReceived,
			SamplesDropped:     st.SamplesDropped,
			FragmentsSent:      st.FragmentsSent,
			FragmentsReceived:  st.FragmentsReceived,
			DuplicateFragments: st.DuplicateFragments,
			TelemetrySent:      st.TelemetrySent,
			TelemetryCoalesced: st.TelemetryCoalesced,
			TelemetryDiscarded: st.TelemetryDiscarded,
			CommandsSent:       st.CommandsSent,
			CommandsReceived:   st.CommandsReceived,
			CommandsRejected:   st.CommandsRejected,
			InvalidFrames:      st.InvalidFrames,
		},
	})
}

// respond maps an action error to a status, or answers with the snapshot after the action
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.writeSnapshot(w, http.StatusOK)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, status int) {
	snap, err := s.sess.Snapshot()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, status, snap.View())
}

func statusFor(err error) int {
	var te *session.TransitionError
	switch {
	case errors.As(err, &te):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownSet):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoActiveSet),
		errors.Is(err, session.ErrSetAlreadyActive),
		errors.Is(err, session.ErrNoRest),
		errors.Is(err, session.ErrNoPrompt),
		errors.Is(err, session.ErrEmptyExercise):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
