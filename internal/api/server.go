// Package api exposes the characterization orchestrator over HTTP: target
// registry CRUD, recipe inspection and patching, pipeline invocation, and
// run history.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/nvlab-data/autochar/internal/automeasure"
	"github.com/nvlab-data/autochar/internal/config"
	"github.com/nvlab-data/autochar/internal/db"
	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/monitoring"
	"github.com/nvlab-data/autochar/internal/targets"
)

// Server is the HTTP control surface over one orchestrator session.
type Server struct {
	session  *automeasure.Session
	registry *targets.Registry
	recipes  *config.Store
	runs     *db.RunStore // optional

	// One characterization job at a time; the hardware is exclusive and a
	// queue of stale jobs against a drifted sample is worse than a refusal.
	jobMu     sync.Mutex
	jobActive bool
	lastError string
}

// NewServer wires the control surface. runs may be nil when persistence is
// disabled.
func NewServer(session *automeasure.Session, registry *targets.Registry, recipes *config.Store, runs *db.RunStore) *Server {
	return &Server{
		session:  session,
		registry: registry,
		recipes:  recipes,
		runs:     runs,
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.HandleFunc("/api/targets/shift", s.handleShift)
	mux.HandleFunc("/api/recipes", s.handleRecipes)
	mux.HandleFunc("/api/characterize", s.handleCharacterize)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/chart", s.handleRunsChart)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleTargets serves GET (list), POST (register), DELETE (remove).
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.registry.Snapshot())

	case http.MethodPost:
		var req struct {
			Label    string     `json:"label"`
			Position *[3]float64 `json:"position,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		var t *targets.Target
		if req.Position != nil {
			t = s.registry.Add(req.Label, instrument.Position(*req.Position))
		} else {
			// No position given: register at the scanner's current spot.
			t = s.session.RegisterHere(req.Label)
		}
		s.writeJSON(w, http.StatusCreated, t)

	case http.MethodDelete:
		label := r.URL.Query().Get("label")
		indexStr := r.URL.Query().Get("index")
		switch {
		case label != "":
			s.writeJSON(w, http.StatusOK, map[string]bool{"removed": s.registry.RemoveLabel(label)})
		case indexStr != "":
			index, err := strconv.Atoi(indexStr)
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, "invalid 'index' parameter")
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]bool{"removed": s.registry.RemoveIndex(index)})
		default:
			s.writeJSONError(w, http.StatusBadRequest, "need 'label' or 'index' parameter")
		}

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleShift applies a drift correction to every registered target.
func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Set *[3]float64 `json:"set,omitempty"`
		Add *[3]float64 `json:"add,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	switch {
	case req.Set != nil:
		s.registry.SetShift(instrument.Position(*req.Set))
	case req.Add != nil:
		s.registry.AddShift(instrument.Position(*req.Add))
	default:
		s.writeJSONError(w, http.StatusBadRequest, "need 'set' or 'add'")
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// handleRecipes serves GET (current config) and POST (merge a partial
// override into the stored recipes). Unknown JSON keys are ignored, so a
// typo'd override never mutates a stored recipe.
func (s *Server) handleRecipes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.recipes.Config())

	case http.MethodPost:
		var patch config.RecipeConfig
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		if err := patch.Validate(); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.session.ApplyOverrides(&patch)
		s.writeJSON(w, http.StatusOK, s.recipes.Config())

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCharacterize starts a characterization pipeline. The run is
// asynchronous: poll /api/state and /api/runs for progress.
func (s *Server) handleCharacterize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	label := r.URL.Query().Get("label")
	indexStr := r.URL.Query().Get("index")
	if label == "" && indexStr == "" {
		s.writeJSONError(w, http.StatusBadRequest, "need 'label' or 'index' parameter")
		return
	}

	// Fail fast on a bad selector before claiming the job slot; a 202 for a
	// job that can never run would only surface later via last_error.
	index := -1
	if label != "" {
		if _, err := s.registry.Lookup(label); err != nil {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
	} else {
		v, err := strconv.Atoi(indexStr)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'index' parameter")
			return
		}
		if _, err := s.registry.At(v); err != nil {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		index = v
	}

	s.jobMu.Lock()
	if s.jobActive {
		s.jobMu.Unlock()
		s.writeJSONError(w, http.StatusConflict, "a characterization is already running")
		return
	}
	s.jobActive = true
	s.lastError = ""
	s.jobMu.Unlock()

	go func() {
		var err error
		if label != "" {
			_, err = s.session.Characterize(label)
		} else {
			_, err = s.session.CharacterizeIndex(index)
		}
		s.jobMu.Lock()
		s.jobActive = false
		if err != nil {
			s.lastError = err.Error()
		}
		s.jobMu.Unlock()
		if err != nil && !errors.Is(err, targets.ErrTargetNotFound) {
			monitoring.Logf("api: characterization failed: %v", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleState reports the run controller state and job status.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.jobMu.Lock()
	active := s.jobActive
	lastError := s.lastError
	s.jobMu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_state":  s.session.Runner.State(),
		"job_active": active,
		"last_error": lastError,
	})
}

// handleRuns lists recent run records.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		s.writeJSONError(w, http.StatusNotFound, "run persistence disabled")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	records, err := s.runs.ListRuns(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
