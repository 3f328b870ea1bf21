package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/content"
	"github.com/gigbook/offline-cache/memory"
	"github.com/gigbook/offline-cache/queue"
	"github.com/gigbook/offline-cache/telemetry"
)

// agent is the HTTP surface over the offline subsystems.
type agent struct {
	contents *content.Cache
	queue    *queue.Queue
	manager  *memory.Manager
	client   *http.Client
	logger   *slog.Logger
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /api/proxy", a.handleProxy)

	mux.HandleFunc("GET /api/content", a.handleListContent)
	mux.HandleFunc("POST /api/content", a.handleSaveContent)
	mux.HandleFunc("DELETE /api/content/{id}", a.handleRemoveContent)
	mux.HandleFunc("GET /api/content/{id}/file", a.handleFileURL)

	mux.HandleFunc("GET /api/mutations", a.handleListMutations)
	mux.HandleFunc("POST /api/mutations", a.handleEnqueue)
	mux.HandleFunc("POST /api/sync", a.handleSync)

	mux.HandleFunc("GET /api/stats", a.handleStats)

	return mux
}

// handleProxy relays a remote fetch, preserving the upstream status and
// body verbatim so callers can surface the original error text.
func (a *agent) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("proxy fetch failed", "url", target, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		a.logger.Debug("proxy relay interrupted", "url", target, "error", err)
	}
}

func (a *agent) handleListContent(w http.ResponseWriter, r *http.Request) {
	records, err := a.contents.Metadata(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type saveContentRequest struct {
	Records []content.Record `json:"records"`
	Items   []content.Item   `json:"items"`
}

type itemStatus struct {
	ID     string `json:"id"`
	Cached bool   `json:"cached"`
	Error  string `json:"error,omitempty"`
}

// handleSaveContent merges the posted records into the cached metadata and
// mirrors their files. Per-item failures are reported in the response, not
// as a request failure.
func (a *agent) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	var req saveContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.contents.SaveMetadata(r.Context(), req.Records); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := req.Items
	if len(items) == 0 {
		items = itemsFromRecords(req.Records)
	}

	results, err := a.contents.CacheFiles(r.Context(), items)
	if err != nil {
		a.logger.Warn("caching batch completed with failures", "error", err)
	}

	statuses := make([]itemStatus, 0, len(results))
	for _, res := range results {
		status := itemStatus{ID: res.ID, Cached: res.Cached}
		if res.Err != nil {
			status.Error = res.Err.Error()
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": statuses})
}

// itemsFromRecords derives the file list from records carrying a file_url
// field.
func itemsFromRecords(records []content.Record) []content.Item {
	var items []content.Item
	for _, rec := range records {
		fileURL, _ := rec["file_url"].(string)
		if rec.ID() == "" || fileURL == "" {
			continue
		}
		items = append(items, content.Item{ID: rec.ID(), FileURL: fileURL})
	}
	return items
}

func (a *agent) handleRemoveContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.contents.RemoveContent(r.Context(), id); err != nil {
		if errors.Is(err, offlinecache.ErrNotFound) {
			http.Error(w, "not cached", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFileURL resolves a cached file to a locally readable URL. Handle
// releases are delegated to the memory manager's idle cleanup.
func (a *agent) handleFileURL(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ref, err := a.contents.FileURL(r.Context(), id)
	if err != nil {
		if errors.Is(err, offlinecache.ErrNotFound) {
			http.Error(w, "not cached", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !ref.Inline() {
		a.manager.Track("handle:"+id, memory.TypeListener, func() { _ = ref.Release() }, 0)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":    ref.URL(),
		"inline": ref.Inline(),
	})
}

func (a *agent) handleListMutations(w http.ResponseWriter, r *http.Request) {
	items, err := a.queue.Items(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depth": len(items),
		"items": items,
	})
}

func (a *agent) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var item queue.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if item.Method == "" || item.URL == "" {
		http.Error(w, "method and url are required", http.StatusBadRequest)
		return
	}

	if err := a.queue.Enqueue(r.Context(), item); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *agent) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := a.queue.Drain(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"replayed":  result.Replayed,
		"remaining": result.Remaining,
	})
}

func (a *agent) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.manager.Stats()
	depth, err := a.queue.Len(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory": map[string]any{
			"used_bytes":        stats.Current.UsedBytes,
			"total_bytes":       stats.Current.TotalBytes,
			"trend":             stats.Trend,
			"tracked_resources": stats.TrackedResources,
			"leak_candidates":   len(stats.LeakCandidates),
		},
		"queue_depth": depth,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
