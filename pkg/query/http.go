package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
)

type Handler struct {
	queries *QueryHandler
	cache   *ResponseCache
}

// NewHandler wires the query engine to HTTP routes. cache may be nil to run
// without response caching.
func NewHandler(queries *QueryHandler, cache *ResponseCache) *Handler {
	return &Handler{queries: queries, cache: cache}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/search", h.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/normalize", h.handleNormalize).Methods(http.MethodGet)
	r.HandleFunc("/normalize_unmerged", h.handleNormalizeUnmerged).Methods(http.MethodGet)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	result, err := h.queries.Search(
		r.Context(),
		params.Get("q"),
		params.Get("incl"),
		params.Get("excl"),
		parseInfer(params.Get("infer")),
	)
	if err != nil {
		var invalid *InvalidParameterError
		if errors.As(err, &invalid) {
			http.Error(w, invalid.Detail, http.StatusUnprocessableEntity)
			return
		}
		logger.Log.WithError(err).Error("failed to run search")
		http.Error(w, "failed to run search", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleNormalize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	queryStr := params.Get("q")
	infer := parseInfer(params.Get("infer"))

	cacheKey := "normalize:" + strconv.FormatBool(infer) + ":" + strings.ToLower(strings.TrimSpace(queryStr))
	if h.cache != nil {
		if payload, ok := h.cache.Get(r.Context(), cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}
	}

	result, err := h.queries.Normalize(r.Context(), queryStr, infer)
	if err != nil {
		logger.Log.WithError(err).Error("failed to normalize query")
		http.Error(w, "failed to normalize query", http.StatusInternalServerError)
		return
	}
	if h.cache != nil && result.MatchType != 0 {
		if payload, err := json.Marshal(result); err == nil {
			h.cache.Set(r.Context(), cacheKey, payload)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleNormalizeUnmerged(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	result, err := h.queries.NormalizeUnmerged(r.Context(), params.Get("q"), parseInfer(params.Get("infer")))
	if err != nil {
		logger.Log.WithError(err).Error("failed to normalize query")
		http.Error(w, "failed to normalize query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseInfer reads the infer query flag, defaulting to true.
func parseInfer(raw string) bool {
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
