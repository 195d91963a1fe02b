package app

import (
	"net/http"

	"zerochat/cmd/internal/metrics"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.backend.durable() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if err := a.backend.ready(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "store", a.backend.name, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(a.gatherer))
	}

	mux.Handle("/ws", a.ws)
}
