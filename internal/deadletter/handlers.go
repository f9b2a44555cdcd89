package deadletter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/courier-sync/internal/common"
)

// AdminHandler exposes review endpoints for unreconciled courier events.
type AdminHandler struct {
	Store    Store
	PageSize int
	Logger   zerolog.Logger
}

type entryItem struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// List returns unreconciled events, most recent first. Resolved entries are
// included when ?resolved=true.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "dead-letter store unavailable", nil)
		return
	}
	ctx := r.Context()
	includeResolved := parseBoolParam(r, "resolved")
	limit, offset := parsePagination(r, h.pageSize())

	entries, err := h.Store.List(ctx, includeResolved, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	total, err := h.Store.Count(ctx, includeResolved)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	items := make([]entryItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryItem{
			ID:         entry.ID,
			Source:     entry.Source,
			Reason:     entry.Reason,
			Payload:    json.RawMessage(entry.Payload),
			ReceivedAt: entry.ReceivedAt,
			ResolvedAt: entry.ResolvedAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"total": total,
	})
}

// Resolve marks an entry as manually reconciled.
func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "dead-letter store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry id", nil)
		return
	}
	if err := h.Store.Resolve(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "entry not found or already resolved", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	h.Logger.Info().Str("entry_id", id.String()).Msg("unreconciled event resolved")
	common.JSON(w, http.StatusOK, map[string]any{"resolved": id})
}

// Delete removes an entry permanently.
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "dead-letter store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry id", nil)
		return
	}
	if err := h.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "entry not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func parseBoolParam(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func parsePagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}
