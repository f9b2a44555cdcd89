package deadletter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/courier-sync/internal/deadletter"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]deadletter.Entry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[uuid.UUID]deadletter.Entry)}
}

func (s *memoryStore) Insert(_ context.Context, entry deadletter.Entry) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	s.entries[entry.ID] = entry
	return entry.ID, nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return deadletter.Entry{}, deadletter.ErrNotFound
	}
	return entry, nil
}

func (s *memoryStore) List(_ context.Context, includeResolved bool, limit, offset int) ([]deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deadletter.Entry
	for _, entry := range s.entries {
		if !includeResolved && entry.ResolvedAt != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *memoryStore) Resolve(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.ResolvedAt != nil {
		return deadletter.ErrNotFound
	}
	now := time.Now()
	entry.ResolvedAt = &now
	s.entries[id] = entry
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return deadletter.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *memoryStore) Count(_ context.Context, includeResolved bool) (int64, error) {
	entries, _ := s.List(context.Background(), includeResolved, 0, 0)
	return int64(len(entries)), nil
}

func adminRouter(store deadletter.Store) http.Handler {
	h := &deadletter.AdminHandler{Store: store, Logger: zerolog.Nop()}
	r := chi.NewRouter()
	r.Get("/admin/unreconciled", h.List)
	r.Post("/admin/unreconciled/{id}/resolve", h.Resolve)
	r.Delete("/admin/unreconciled/{id}", h.Delete)
	return r
}

func TestListUnreconciled(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	id, err := store.Insert(context.Background(), deadletter.Entry{
		Source:  "webhook",
		Reason:  "order not found",
		Payload: []byte(`{"event":"order.delivered"}`),
	})
	require.NoError(t, err)
	resolved, err := store.Insert(context.Background(), deadletter.Entry{Source: "webhook", Reason: "stale"})
	require.NoError(t, err)
	require.NoError(t, store.Resolve(context.Background(), resolved))

	router := adminRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/unreconciled", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			ID     uuid.UUID `json:"id"`
			Reason string    `json:"reason"`
		} `json:"data"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(1), body.Total, "resolved entries are hidden by default")
	require.Equal(t, id, body.Data[0].ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/unreconciled?resolved=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(2), body.Total)
}

func TestResolveUnreconciled(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	id, err := store.Insert(context.Background(), deadletter.Entry{Source: "webhook", Reason: "order not found"})
	require.NoError(t, err)

	router := adminRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/unreconciled/"+id.String()+"/resolve", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Resolving twice reports not found: the open entry is gone.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/unreconciled/"+id.String()+"/resolve", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUnreconciled(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	id, err := store.Insert(context.Background(), deadletter.Entry{Source: "webhook", Reason: "order not found"})
	require.NoError(t, err)

	router := adminRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/unreconciled/"+id.String(), nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/unreconciled/"+id.String(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveInvalidID(t *testing.T) {
	t.Parallel()

	router := adminRouter(newMemoryStore())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/unreconciled/not-a-uuid/resolve", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
