package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/ledger"
	"github.com/obsportal/obsportal/internal/lifecycle"
	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/store"
	"github.com/obsportal/obsportal/internal/telstates"
)

type Server struct {
	service    *lifecycle.Service
	store      store.Store
	aggregator *telstates.Aggregator
}

func New(svc *lifecycle.Service, st store.Store, aggregator *telstates.Aggregator) *Server {
	return &Server{service: svc, store: st, aggregator: aggregator}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/requestgroups", s.handleSubmit)
		r.Post("/requestgroups/{groupID}/cancel", s.handleCancel)
		r.Get("/requestgroups/{groupID}", s.handleGetGroup)
		r.Get("/requests/{requestID}", s.handleGetRequest)
		r.Get("/telescope_availability", s.handleAvailability)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.SubmitGroupInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, requests, err := s.service.Submit(r.Context(), in)
	if err != nil {
		respondError(w, submitStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"requestGroup": group,
		"requests":     requests,
	})
}

// submitStatus distinguishes rejected submissions from infrastructure
// failures.
func submitStatus(err error) int {
	var valErr *lifecycle.ValidationError
	var allocErr *ledger.TimeAllocationError
	if errors.As(err, &valErr) || errors.As(err, &allocErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if err := s.service.Cancel(r.Context(), groupID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "request group not found")
		default:
			respondError(w, submitStatus(err), err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"canceled": true})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	group, err := s.store.GetGroup(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "request group not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	requests, err := s.store.GroupRequests(r.Context(), groupID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"requestGroup": group,
		"requests":     requests,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "request not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		respondError(w, http.StatusServiceUnavailable, "availability aggregation not configured")
		return
	}
	end := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	start := end.Add(-7 * 24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid start")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid end")
			return
		}
		end = t
	}

	var (
		result map[string][]telstates.DayAvailability
		err    error
	)
	if r.URL.Query().Get("combine") == "class" {
		result, err = keyedAvailability(s.aggregator.AvailabilityByClass(r.Context(), start, end))
	} else {
		result, err = keyedAvailability(s.aggregator.AvailabilityPerDay(r.Context(), start, end))
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"start":        start,
		"end":          end,
		"availability": result,
	})
}

func keyedAvailability(byKey map[models.TelescopeKey][]telstates.DayAvailability, err error) (map[string][]telstates.DayAvailability, error) {
	if err != nil {
		return nil, err
	}
	out := make(map[string][]telstates.DayAvailability, len(byKey))
	for key, days := range byKey {
		out[key.String()] = days
	}
	return out, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
