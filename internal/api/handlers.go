package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/models"
	"github.com/rewired-gh/agrolens/internal/storage"
	"github.com/rewired-gh/agrolens/internal/worker"
)

// MaxListLimit bounds the limit query parameter.
const MaxListLimit = 1000

type runQuery struct {
	Model string `schema:"model"`
}

type listQuery struct {
	Limit int `schema:"limit"`
}

type runResponse struct {
	RunID          string  `json:"run_id"`
	SnapshotID     int64   `json:"snapshot_id"`
	ResultID       int64   `json:"result_id"`
	Response       string  `json:"response"`
	Model          string  `json:"model"`
	PromptDegraded bool    `json:"prompt_degraded"`
	DurationSec    float64 `json:"duration_seconds"`
}

type resultsResponse struct {
	Results []models.AnalysisRecord `json:"results"`
	Count   int                     `json:"count"`
}

type modelEntry struct {
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type modelsResponse struct {
	Models      []modelEntry `json:"models"`
	ActiveModel string       `json:"active_model"`
}

type activeModelRequest struct {
	Name string `json:"name"`
}

type healthResponse struct {
	Status      string        `json:"status"`
	ActiveModel string        `json:"active_model"`
	Workers     int           `json:"workers"`
	Store       storage.Stats `json:"store"`
}

func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var q runQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		respondWithError(w, r, validationError("invalid query parameters", err))
		return
	}

	if !s.limiter.Allow() {
		s.metrics.RateLimited()
		respondWithError(w, r, newError(ErrorTypeRateLimit, http.StatusTooManyRequests, "too many analysis runs, try again later", nil))
		return
	}

	model := strings.TrimSpace(q.Model)
	outcome, err := worker.Submit(r.Context(), s.pool, func(ctx context.Context) (*models.RunOutcome, error) {
		return s.runner.Run(ctx, model)
	})
	if err != nil {
		respondWithError(w, r, fromRunError(err))
		return
	}

	respondWithJSON(w, http.StatusCreated, runResponse{
		RunID:          outcome.RunID,
		SnapshotID:     outcome.SnapshotID,
		ResultID:       outcome.ResultID,
		Response:       outcome.Response,
		Model:          outcome.Model,
		PromptDegraded: outcome.PromptDegraded,
		DurationSec:    outcome.Duration.Seconds(),
	})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	var q listQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		respondWithError(w, r, validationError("limit must be an integer", err))
		return
	}
	if q.Limit < 0 || q.Limit > MaxListLimit {
		respondWithError(w, r, validationError("limit must be between 1 and "+strconv.Itoa(MaxListLimit), nil))
		return
	}

	results, err := s.store.ListAnalysisResults(r.Context(), q.Limit)
	if err != nil {
		respondWithError(w, r, fromStoreError(err, "analysis results"))
		return
	}
	respondWithJSON(w, http.StatusOK, resultsResponse{Results: results, Count: len(results)})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		respondWithError(w, r, apiErr)
		return
	}

	result, err := s.store.GetAnalysisResult(r.Context(), id)
	if err != nil {
		respondWithError(w, r, fromStoreError(err, "analysis result"))
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		respondWithError(w, r, apiErr)
		return
	}

	snap, err := s.store.GetSensorSnapshot(r.Context(), id)
	if err != nil {
		respondWithError(w, r, fromStoreError(err, "sensor snapshot"))
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListModels(r.Context())
	if err != nil {
		respondWithError(w, r, fromInferenceError(err))
		return
	}

	active := s.catalog.ActiveModel()
	resp := modelsResponse{Models: make([]modelEntry, 0, len(list)), ActiveModel: active}
	for _, m := range list {
		resp.Models = append(resp.Models, modelEntry{
			Name:       m.Name,
			Active:     m.Name == active,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) setActiveModel(w http.ResponseWriter, r *http.Request) {
	var req activeModelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		respondWithError(w, r, validationError("invalid request body", err))
		return
	}
	if err := s.catalog.SetActiveModel(req.Name); err != nil {
		respondWithError(w, r, validationError(err.Error(), err))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"active_model": s.catalog.ActiveModel()})
}

func (s *Server) pullModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(mux.Vars(r)["name"])
	if name == "" {
		respondWithError(w, r, validationError("model name must not be empty", nil))
		return
	}
	if err := s.catalog.PullModel(r.Context(), name); err != nil {
		respondWithError(w, r, fromInferenceError(err))
		return
	}
	logger.Info("[API] model %s pulled", name)
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "success", "model": name})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		apiErr := newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, "store unavailable", err)
		respondWithError(w, r, apiErr)
		return
	}
	respondWithJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		ActiveModel: s.catalog.ActiveModel(),
		Workers:     s.pool.Size(),
		Store:       stats,
	})
}

func pathID(r *http.Request) (int64, *APIError) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		if err == nil {
			err = errors.New("id must be positive")
		}
		return 0, validationError("invalid id", err)
	}
	return id, nil
}
