// Package api serves the remote response cache over HTTP and exposes job
// tooling over MCP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/panel/internal/cache"
)

const maxBodySize = 64 << 20

// CacheDeps holds dependencies for the remote cache handler.
type CacheDeps struct {
	Store  cache.Store
	Token  string
	Logger *slog.Logger
}

// NewCacheHandler returns the remote cache API. Every route except /health
// requires the bearer token.
func NewCacheHandler(deps CacheDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post(cache.PathDiff, handleDiff(deps))
		r.Post(cache.PathMany, handlePutMany(deps))
		r.Post(cache.PathGetMany, handleGetMany(deps))
		r.Delete(cache.PathDeleteAll, handleDeleteAll(deps))
	})
	return r
}

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="panel"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleDiff(deps CacheDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cache.KeysRequest
		if !decodeBody(w, r, &req) {
			return
		}
		diff, err := cache.Diff(r.Context(), deps.Store, req.Keys)
		if err != nil {
			deps.Logger.Error("computing cache diff", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "computing diff failed")
			return
		}
		deps.Logger.Debug("cache diff",
			"client_keys", len(req.Keys),
			"client_missing", len(diff.ClientMissing),
			"server_missing", len(diff.ServerMissing),
		)
		writeJSON(w, http.StatusOK, diff)
	}
}

func handlePutMany(deps CacheDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cache.EntriesBody
		if !decodeBody(w, r, &body) {
			return
		}
		for i, e := range body.Entries {
			if e.Key == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "entry %d has no key", i)
				return
			}
		}

		added, err := deps.Store.PutMany(r.Context(), body.Entries)
		if err != nil {
			deps.Logger.Error("storing cache entries", "count", len(body.Entries), "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "storing entries failed")
			return
		}
		// Existing keys are kept, so the count is what was actually added.
		writeJSON(w, http.StatusOK, cache.CountResponse{Count: added})
	}
}

func handleGetMany(deps CacheDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cache.KeysRequest
		if !decodeBody(w, r, &req) {
			return
		}
		entries, err := deps.Store.GetMany(r.Context(), req.Keys)
		if err != nil {
			deps.Logger.Error("reading cache entries", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "reading entries failed")
			return
		}
		if entries == nil {
			entries = []cache.Entry{}
		}
		writeJSON(w, http.StatusOK, cache.EntriesBody{Entries: entries})
	}
}

func handleDeleteAll(deps CacheDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		n, err := deps.Store.Len(ctx)
		if err == nil {
			err = deps.Store.Clear(ctx)
		}
		if err != nil {
			deps.Logger.Error("clearing cache", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "clearing cache failed")
			return
		}
		deps.Logger.Info("remote cache cleared", "count", n)
		writeJSON(w, http.StatusOK, cache.CountResponse{Count: n})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
