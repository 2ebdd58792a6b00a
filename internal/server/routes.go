package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lazypower/hotmem/internal/engine"
	"github.com/lazypower/hotmem/internal/store"
)

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// lockRetryAfter is the Retry-After hint, in seconds, sent when another
// writer holds the store lock.
const lockRetryAfter = "5"

// storeError maps store failures onto status codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrEmptyMatch), errors.Is(err, store.ErrInvalidImportance):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrLockTimeout):
		w.Header().Set("Retry-After", lockRetryAfter)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrOversized):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.Store.ReadAll()
	if err != nil {
		storeError(w, err)
		return
	}
	all := queryBool(r, "all")
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		if !all && !rec.Valid() {
			continue
		}
		doc, err := rec.MarshalJSON()
		if err != nil {
			storeError(w, err)
			return
		}
		out = append(out, doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"memories": out,
	})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fact       string   `json:"fact"`
		Category   string   `json:"category"`
		Importance int      `json:"importance"`
		Source     string   `json:"source"`
		Entities   []string `json:"entities"`
		Pinned     bool     `json:"pinned"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Fact == "" {
		writeError(w, http.StatusBadRequest, "fact required")
		return
	}
	md, err := s.metadata(req.Category, req.Importance, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Entities != nil {
		md.Entities = req.Entities
	}
	md.Pinned = req.Pinned

	added, err := s.app.Store.Append(r.Context(), req.Fact, md)
	if err != nil {
		storeError(w, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]any{"added": false, "reason": "duplicate"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": true})
}

// metadata builds fresh metadata, defaulting the category to general, the
// importance to 5 and the source to "api".
func (s *Server) metadata(category string, importance int, source string) (store.Metadata, error) {
	c := store.Category(category)
	if category == "" {
		c = store.CategoryGeneral
	}
	if !c.Valid() {
		return store.Metadata{}, errors.New("unknown category " + strconv.Quote(category))
	}
	if importance == 0 {
		importance = 5
	}
	if importance < 1 || importance > 10 {
		return store.Metadata{}, errors.New("importance must be 1-10")
	}
	if source == "" {
		source = "api"
	}
	md := store.NewMetadata(c, importance, source, s.app.Store.Now())
	md.DecayLayer = store.LayerFor(md.ImportanceNormalized, s.app.Decay.LTMThreshold)
	return md, nil
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Match string `json:"match"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.app.Store.Invalidate(r.Context(), req.Match)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Old        string `json:"old"`
		New        string `json:"new"`
		Category   string `json:"category"`
		Importance int    `json:"importance"`
		Source     string `json:"source"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.New == "" {
		writeError(w, http.StatusBadRequest, "new required")
		return
	}
	md, err := s.metadata(req.Category, req.Importance, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.app.Store.Update(r.Context(), req.Old, req.New, md)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Match string `json:"match"`
	}
	if !decode(w, r, &req) {
		return
	}
	out, err := engine.Reinforce(r.Context(), s.app.Store, s.app.Decay, req.Match)
	if err != nil {
		storeError(w, err)
		return
	}
	if out == nil {
		out = []engine.Reinforcement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reinforced": out})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeHours   *float64 `json:"max_age_hours"`
		BelowStrength *float64 `json:"below_strength"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.BelowStrength != nil {
		pruned, err := engine.PruneWeak(ctx, s.app.Store, s.app.Decay, *req.BelowStrength)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pruned": len(pruned)})
		return
	}
	hours := float64(s.app.Config.Pipeline.PruneInvalidatedHours)
	if req.MaxAgeHours != nil {
		hours = *req.MaxAgeHours
	}
	n, err := s.app.Store.Prune(ctx, time.Duration(hours*float64(time.Hour)))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}

func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Store.Dedup(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	res, err := s.app.Search(r.Context(), query, limit, queryBool(r, "hot_only"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.Store.ReadAll()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.app.Decay.DecayReport(records, s.app.Store.Now()),
	})
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	s.lint(w, r, false)
}

func (s *Server) handleLintFix(w http.ResponseWriter, r *http.Request) {
	s.lint(w, r, true)
}

func (s *Server) lint(w http.ResponseWriter, r *http.Request, fix bool) {
	rep, err := s.app.Lint(r.Context(), fix)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleExtract runs one pipeline pass synchronously. A run that holds the
// marker still returns its result, with the error alongside.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Extract(r.Context(), queryBool(r, "force"))
	switch {
	case errors.Is(err, engine.ErrMarkerHeld):
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "error": err.Error()})
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrLowDisk):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case err != nil && res.Outcome == "":
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"result": res, "error": err.Error()})
	default:
		requestLogger(r).Info().Str("outcome", res.Outcome).Int("added", res.Added).Msg("extract_via_api")
		writeJSON(w, http.StatusOK, map[string]any{"result": res})
	}
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = s.app.Store.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	d, err := s.app.State.DigestFor(day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}
