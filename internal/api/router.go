package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-devicehub/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      int // requests per minute per IP, 0 disables
	RequestTimeout time.Duration
}

type Handlers struct {
	Devices *DeviceHandler
	Streams *StreamHandler
	Events  *EventHandler
	WS      http.Handler // optional
}

func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimit, time.Minute))

		if h.WS != nil {
			r.Get("/ws", h.WS.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.Devices.List)
				r.Post("/", h.Devices.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.Devices.Get)
					r.Put("/", h.Devices.Update)
					r.Delete("/", h.Devices.Delete)
					r.Put("/status", h.Devices.UpdateStatus)
					r.Post("/probe", h.Devices.Probe)
					r.Get("/health", h.Devices.History)
					r.Get("/detections/latest", h.Devices.LatestDetection)
				})
			})

			r.Route("/stream", func(r chi.Router) {
				r.Get("/status", h.Streams.Status)
				r.Get("/{id}", h.Streams.Get)
				r.Post("/{id}/play", h.Streams.Play)
				r.Post("/{id}/stop", h.Streams.Stop)
				r.Post("/{id}/capture", h.Streams.Capture)
				r.Get("/{id}/snapshot/{ts}", h.Streams.Snapshot)
			})

			r.Get("/events", h.Events.List)
			r.Post("/events", h.Events.Ingest)
			r.Get("/events/types", h.Events.Types)
			r.Get("/statistics", h.Events.Statistics)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondMessage(w, http.StatusNotFound, "route not found", "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondMessage(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
	})
	return r
}
