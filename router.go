package offgate

import (
	"log/slog"
	"net/http"
	"path"
	"strings"
)

// route pairs a predicate with its handler. Routes are evaluated in order,
// so classification priority lives in the table, not in the predicates.
type route struct {
	name  string
	match func(r *http.Request) bool
	serve http.HandlerFunc
}

// Router classifies every intercepted request. Push traffic passes through
// untouched, API families get offline-aware handlers, and everything else
// falls to the cache-first static strategy.
type Router struct {
	routes []route
	proxy  http.HandlerFunc
	log    *slog.Logger
}

func pathContains(fragment string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return strings.Contains(r.URL.Path, fragment)
	}
}

func newRouter(w *Worker) *Router {
	return &Router{
		routes: []route{
			{"push", pathContains("/api/push/"), w.proxyThrough},
			{"auth", pathContains("/api/auth/"), w.handleAuth},
			{"images", pathContains("/api/images/"), w.handleImages},
			{"api", pathContains("/api/"), w.handleGenericAPI},
			{"static", func(*http.Request) bool { return true }, w.handleStatic},
		},
		proxy: w.proxyThrough,
		log:   w.log,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		// Other methods bypass the offline layer entirely.
		rt.proxy(w, r)
		return
	}

	for _, route := range rt.routes {
		if route.match(r) {
			rt.log.Debug("request routed", "route", route.name, "method", r.Method, "path", r.URL.Path)
			route.serve(w, r)
			return
		}
	}
}

// requestDestination infers what kind of resource the client wants, from
// the fetch metadata header when present, the Accept header, then the URL
// extension.
func requestDestination(r *http.Request) string {
	switch dest := r.Header.Get("Sec-Fetch-Dest"); dest {
	case "document", "script", "style":
		return dest
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return "document"
	}
	switch path.Ext(r.URL.Path) {
	case ".js", ".mjs":
		return "script"
	case ".css":
		return "style"
	}
	return ""
}
