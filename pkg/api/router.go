package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouterOptions wires optional cross-cutting concerns around the handler
type RouterOptions struct {
	// Middleware runs outermost first, after route matching so route
	// templates are available to it
	Middleware []mux.MiddlewareFunc

	// MetricsHandler is served on GET /metrics when set
	MetricsHandler http.Handler
}

// NewRouter builds the broker's router
func NewRouter(h *BrokerHandler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = NotFoundHandler()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeBadRequest, r.Method+" not allowed on "+r.URL.Path, nil)
	})

	h.RegisterRoutes(r)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler).Methods("GET")
	}
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}
	return r
}
