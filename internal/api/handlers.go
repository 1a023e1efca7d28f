package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dealwatch/internal/storage"
	"github.com/dealwatch/internal/types"
)

var knownJobTypes = map[types.JobType]struct{}{
	types.JobTypeDeal:             {},
	types.JobTypeRetrieval:        {},
	types.JobTypeMetrics:          {},
	types.JobTypeMetricsCleanup:   {},
	types.JobTypeProvidersRefresh: {},
}

// scheduleTarget extracts the (jobType, provider) pair a schedule mutation
// addresses. Provider comes from the query string and is empty for global
// job types.
func scheduleTarget(r *http.Request) (types.JobType, string, bool) {
	jobType := types.JobType(mux.Vars(r)["jobType"])
	if _, ok := knownJobTypes[jobType]; !ok {
		return "", "", false
	}
	provider := r.URL.Query().Get("provider")
	if jobType.IsGlobal() != (provider == "") {
		return "", "", false
	}
	return jobType, provider, true
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.providers.ListActive(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list providers")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	provider, err := s.providers.GetByAddress(r.Context(), address)
	if err != nil {
		if stderrors.Is(err, storage.ErrProviderNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "provider not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to get provider")
		return
	}
	respondJSON(w, http.StatusOK, provider)
}

func (s *Server) handleListProviderDeals(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	limit := queryInt(r, "limit", 20)

	deals, err := s.deals.ListByProvider(r.Context(), address, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list deals")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deals": deals})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deal, err := s.deals.GetByID(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, storage.ErrDealNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "deal not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to get deal")
		return
	}

	attempts, err := s.attempts.ListByDeal(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list attempts")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deal":     deal,
		"attempts": attempts,
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list schedules")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setSchedulePaused(w, r, true)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.setSchedulePaused(w, r, false)
}

func (s *Server) setSchedulePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	jobType, provider, ok := scheduleTarget(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unknown job type or missing provider")
		return
	}

	if err := s.schedules.SetPaused(r.Context(), jobType, provider, paused); err != nil {
		if stderrors.Is(err, storage.ErrScheduleNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to update schedule")
		return
	}

	state, err := s.schedules.Get(r.Context(), jobType, provider)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read schedule")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// handleRunNow moves a schedule's next run to the current instant; the next
// scheduler tick picks it up.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	jobType, provider, ok := scheduleTarget(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unknown job type or missing provider")
		return
	}

	if err := s.schedules.SetNextRunAt(r.Context(), jobType, provider, time.Now()); err != nil {
		if stderrors.Is(err, storage.ErrScheduleNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to update schedule")
		return
	}

	state, err := s.schedules.Get(r.Context(), jobType, provider)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read schedule")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "queue parameter is required")
		return
	}
	limit := queryInt(r, "limit", 50)

	jobs, err := s.jobs.ListRecent(r.Context(), queue, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list jobs")
		return
	}

	counts := make(map[string]int)
	for _, state := range []types.JobState{types.JobStateCreated, types.JobStateActive, types.JobStateRetry} {
		n, err := s.jobs.CountByState(r.Context(), queue, state)
		if err != nil {
			respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to count jobs")
			return
		}
		counts[string(state)] = n
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"counts": counts,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
