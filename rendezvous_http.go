package meshline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusHandler exposes the directory of a DiscoveryServer over HTTP:
//
//	GET /api/inputchannels?prefix=  consumers per channel
//	GET /api/outputchannels?prefix= producers per channel
//	GET /api/routes                 producer to consumer edges
//	GET /api/routes.dot             the same edges as a graphviz digraph
//	GET /healthz
func (s *DiscoveryServer) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/inputchannels", func(w http.ResponseWriter, req *http.Request) {
			s.writeJSON(w, s.Inputs(req.URL.Query().Get("prefix")))
		})
		r.Get("/outputchannels", func(w http.ResponseWriter, req *http.Request) {
			s.writeJSON(w, s.Outputs(req.URL.Query().Get("prefix")))
		})
		r.Get("/routes", func(w http.ResponseWriter, _ *http.Request) {
			routes := s.Routes()
			if routes == nil {
				routes = []Route{}
			}
			s.writeJSON(w, routes)
		})
		r.Get("/routes.dot", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/vnd.graphviz")
			_, _ = w.Write([]byte(routesDot(s.Routes())))
		})
	})

	return r
}

func (s *DiscoveryServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("rendezvous: could not write status response", LabelError.L(err))
	}
}

func routesDot(routes []Route) string {
	var b strings.Builder
	b.WriteString("digraph mesh {\n")
	for _, route := range routes {
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", route.From, route.To, route.Channel)
	}
	b.WriteString("}\n")
	return b.String()
}
