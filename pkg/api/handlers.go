package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/convsync/pkg/projection"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// maxBodyBytes bounds command and reconcile request bodies
const maxBodyBytes = 1 << 20

// handleExecute commits a command through the dual-write coordinator.
//
//	POST /v1/commands
//	{"entity_type":"human_turn","entity_id":"ht-1","operation":"upsert",
//	 "payload":{...},"latency_critical":true}
//
// Responds 201 with the Commit. A failed projection still returns 201; the
// commit's "projection" field reports it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var cmd types.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command: "+err.Error())
		return
	}
	if err := cmd.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Operation == types.OperationUpsert {
		if err := projection.ValidatePayload(cmd.EntityType, cmd.EntityID, cmd.Payload); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	commit, err := s.deps.Commands.Execute(r.Context(), &cmd)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, commit)
}

func (s *Server) handleGetSyncRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Ledger.Get(r.Context(), mux.Vars(r)["entityID"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleScanSyncRecords lists sync records, optionally only those with the
// given dual-write status or with a pending repair request.
//
//	GET /v1/sync?status=failed&repair=true&limit=50
func (s *Server) handleScanSyncRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	status := types.DualWriteStatus(q.Get("status"))
	repairOnly := q.Get("repair") == "true"

	records, err := s.deps.Ledger.Scan(r.Context(), func(rec *types.SyncRecord) bool {
		if status != "" && rec.DualWriteStatus != status {
			return false
		}
		return !repairOnly || rec.RepairRequested
	}, limit)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if records == nil {
		records = []*types.SyncRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Ledger.Stats(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	pe, err := s.deps.Reads.Get(r.Context(), mux.Vars(r)["entityID"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pe)
}

func (s *Server) handleListSession(w http.ResponseWriter, r *http.Request) {
	entities, err := s.deps.Reads.ListBySession(r.Context(), mux.Vars(r)["sessionID"])
	s.respondList(w, entities, err)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	entities, err := s.deps.Reads.ListByParent(r.Context(), mux.Vars(r)["entityID"])
	s.respondList(w, entities, err)
}

func (s *Server) handleListOwner(w http.ResponseWriter, r *http.Request) {
	entities, err := s.deps.Reads.ListByOwner(r.Context(), mux.Vars(r)["userID"])
	s.respondList(w, entities, err)
}

func (s *Server) respondList(w http.ResponseWriter, entities []*types.ProjectedEntity, err error) {
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if entities == nil {
		entities = []*types.ProjectedEntity{}
	}
	respondJSON(w, http.StatusOK, entities)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}

	letters, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if letters == nil {
		letters = []*types.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, letters)
}

type replayResponse struct {
	ID     string            `json:"id"`
	Result types.ApplyResult `json:"result"`
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.deps.Replayer.Replay(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, replayResponse{ID: id, Result: result})
}

// reconcileRequest overrides parts of the default sweep window
type reconcileRequest struct {
	EntityIDs  []string `json:"entity_ids"`
	Staleness  string   `json:"staleness"`
	SampleRate *float64 `json:"sample_rate"`
	Limit      *int     `json:"limit"`
	ShardIndex *int     `json:"shard_index"`
	ShardCount *int     `json:"shard_count"`
}

// handleReconcile runs one sweep synchronously and returns its report.
// An empty body runs the default window.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid reconcile request: "+err.Error())
			return
		}
	}

	window := s.deps.Reconciler.DefaultWindow()
	window.EntityIDs = req.EntityIDs
	if req.Staleness != "" {
		d, err := time.ParseDuration(req.Staleness)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid staleness: "+err.Error())
			return
		}
		window.Staleness = d
	}
	if req.SampleRate != nil {
		window.SampleRate = *req.SampleRate
	}
	if req.Limit != nil {
		window.Limit = *req.Limit
	}
	if req.ShardIndex != nil {
		window.ShardIndex = *req.ShardIndex
	}
	if req.ShardCount != nil {
		window.ShardCount = *req.ShardCount
	}
	if window.ShardCount > 1 && (window.ShardIndex < 0 || window.ShardIndex >= window.ShardCount) {
		respondError(w, http.StatusBadRequest, "shard_index out of range")
		return
	}

	report, err := s.deps.Reconciler.Reconcile(r.Context(), window)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastReconcile(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Reconciler.LastReport()
	if report == nil {
		respondError(w, http.StatusNotFound, "no reconciliation sweep has run yet")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// parseLimit reads a limit query parameter, defaulting to 100. It writes the
// error response itself and returns false on a malformed value.
func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 100, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

// statusFor maps store errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case types.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	var commitErr *types.WriteStoreCommitFailure
	if errors.As(err, &commitErr) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
