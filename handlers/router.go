package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/danphoto/danphoto-api/metrics"
)

type RouterDeps struct {
	Upload             *UploadHandler
	Themes             *ThemeHandler
	Topics             *TopicHandler      // optional
	Events             http.HandlerFunc   // optional websocket endpoint
	Metrics            *metrics.Metrics   // optional
	UploadRatePerMin   int
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
	UploadTimeout      time.Duration
	Log                *zap.SugaredLogger
}

// NewRouter wires every HTTP route of the service.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   d.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match", "X-Request-ID"},
		ExposedHeaders:   []string{"Location", "ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Log))
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(corsHandler.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Log, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	// long-lived, so outside the request timeout
	if d.Events != nil {
		r.Get("/events", d.Events)
	}

	// uploads stream a body for as long as the client needs; the read
	// deadline bounds them instead of the handler timeout
	limiter := NewRateLimiter(d.UploadRatePerMin, d.Metrics)
	r.With(limiter.Middleware, UploadDeadline(d.UploadTimeout, d.Log)).Post("/upload", d.Upload.Upload)

	r.Group(func(r chi.Router) {
		timeout := d.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		r.Use(middleware.Timeout(timeout))

		r.Get("/themes", d.Themes.ListThemes)
		if d.Topics != nil {
			r.Get("/topics", d.Topics.ListTopics)
		}
		r.Get("/themes/current", d.Themes.CurrentTheme)
		r.Route("/themes/{theme}", func(r chi.Router) {
			r.Get("/", d.Themes.GetTheme)
			if d.Topics != nil {
				r.Get("/topic", d.Topics.GetTopic)
				r.Put("/topic", d.Topics.PutTopic)
				r.Delete("/topic", d.Topics.DeleteTopic)
			}
			r.Get("/{name}", d.Themes.GetPhoto)
			r.Get("/{name}/thumbnail", d.Themes.GetThumbnail)
			r.Get("/{name}/metadata", d.Themes.GetMetadata)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteAPIError(w, http.StatusNotFound, "not_found", "Route not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.")
	})
	return r
}
