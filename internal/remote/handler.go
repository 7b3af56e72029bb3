package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// HealthPath answers connectivity probes.
const HealthPath = "/healthz"

// maxRequestBody bounds a decoded record.
const maxRequestBody = 4 << 20

// Handler serves m over the API that Client speaks, plus HealthPath.
func Handler(m *Memory, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{mem: m, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+APIPrefix+"/{type}/{id}", h.fetch)
	mux.HandleFunc("POST "+APIPrefix+"/{type}/{id}", h.write(m.Create))
	mux.HandleFunc("PUT "+APIPrefix+"/{type}/{id}", h.write(m.Update))
	mux.HandleFunc("DELETE "+APIPrefix+"/{type}/{id}", h.delete)
	return mux
}

type handler struct {
	mem    *Memory
	logger *zap.Logger
}

type writeFunc func(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error)

func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mem.Fetch(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, rec)
}

func (h *handler) write(fn writeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec types.RemoteRecord
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&rec); err != nil {
			h.fail(w, r, errors.Join(types.ErrInvalidData, err))
			return
		}
		id := r.PathValue("id")
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.ID != id {
			h.fail(w, r, types.ErrInvalidID)
			return
		}
		ack, err := fn(r.Context(), r.PathValue("type"), &rec)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.reply(w, ack)
	}
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	ack, err := h.mem.Delete(r.Context(), r.PathValue("type"), &types.RemoteRecord{ID: r.PathValue("id")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, ack)
}

func (h *handler) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing response", zap.Error(err))
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidData), errors.Is(err, types.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrTransientNetwork):
		status = http.StatusServiceUnavailable
	}
	h.logger.Debug("remote request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	http.Error(w, err.Error(), status)
}
