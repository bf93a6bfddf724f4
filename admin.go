package assetcache

import (
	"encoding/json"
	"errors"
	"net/http"

	cachekey "github.com/always-cache/asset-cache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type workerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Bucket       string   `json:"bucket"`
	State        string   `json:"state"`
	StaticPrefix string   `json:"staticPrefix"`
	Precache     []string `json:"precache"`
	Warning      string   `json:"warning,omitempty"`
}

type bucketInfo struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Keys    []string `json:"keys,omitempty"`
}

func infoFor(w *Worker) workerInfo {
	config := w.Config()
	return workerInfo{
		ID:           w.ID(),
		Name:         config.Name,
		Version:      config.Version,
		Bucket:       w.BucketName(),
		State:        w.State().String(),
		StaticPrefix: config.StaticPrefix,
		Precache:     config.Precache,
	}
}

// AdminRouter returns the handler for the admin endpoints:
//
//	GET  /healthz         200 once a worker is active
//	GET  /metrics         prometheus metrics
//	GET  /worker          the active worker
//	GET  /worker/buckets  all bucket names, with the keys of the current one
//	POST /worker/update   register a new version (?version=v2)
//	POST /worker/refetch  fetch one stored entry again (?key=GET:/static/app.css)
func AdminRouter(rt *Runtime) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if rt.Active() == nil {
			http.Error(w, "no active worker", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/worker", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			active := rt.Active()
			if active == nil {
				http.Error(w, ErrNoActiveWorker.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, infoFor(active))
		})

		r.Get("/buckets", func(w http.ResponseWriter, r *http.Request) {
			names, err := rt.Storage().Names(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			active := rt.Active()
			buckets := make([]bucketInfo, 0, len(names))
			for _, name := range names {
				info := bucketInfo{Name: name}
				if active != nil && active.BucketName() == name {
					info.Current = true
					if info.Keys, err = active.Keys(r.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusInternalServerError)
						return
					}
				}
				buckets = append(buckets, info)
			}
			writeJSON(w, http.StatusOK, buckets)
		})

		r.Post("/update", func(w http.ResponseWriter, r *http.Request) {
			version := r.URL.Query().Get("version")
			if version == "" {
				http.Error(w, "missing version", http.StatusBadRequest)
				return
			}
			worker, err := rt.Update(r.Context(), version)
			switch {
			case errors.Is(err, ErrNoActiveWorker):
				http.Error(w, err.Error(), http.StatusConflict)
				return
			case errors.Is(err, ErrInstallFailed):
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			case worker == nil:
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			info := infoFor(worker)
			if err != nil {
				info.Warning = err.Error()
			}
			writeJSON(w, http.StatusOK, info)
		})

		r.Post("/refetch", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("key")
			if key == "" {
				http.Error(w, "missing key", http.StatusBadRequest)
				return
			}
			active := rt.Active()
			if active == nil {
				http.Error(w, ErrNoActiveWorker.Error(), http.StatusNotFound)
				return
			}
			err := active.Refetch(r.Context(), key)
			switch {
			case err == nil:
				writeJSON(w, http.StatusOK, map[string]string{"refetched": key})
			case errors.Is(err, cachekey.ErrMalformedKey), errors.Is(err, ErrNotIntercepted):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, ErrFetchFailed):
				http.Error(w, err.Error(), http.StatusBadGateway)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
