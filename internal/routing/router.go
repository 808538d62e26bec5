package routing

import (
	"log"
	"net/http"
	"runtime/debug"
)

// Router dispatches on exact paths only. Each route remembers its class so
// 404/405/panic responses render in the envelope that class expects.
type Router struct {
	classifier *Classifier
	byPath     map[string]map[string]route
}

type route struct {
	class   RouteClass
	handler http.Handler
}

func NewRouter(classifier *Classifier) *Router {
	return &Router{classifier: classifier, byPath: map[string]map[string]route{}}
}

func (rt *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	methods := rt.byPath[path]
	if methods == nil {
		methods = map[string]route{}
		rt.byPath[path] = methods
	}
	methods[method] = route{class: rc, handler: recovering(rc, h)}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods := rt.byPath[req.URL.Path]
	if methods == nil {
		WriteError(w, req, rt.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
		return
	}
	if entry, ok := methods[req.Method]; ok {
		entry.handler.ServeHTTP(w, req)
		return
	}

	// Wrong method on a known path: borrow the class of a sibling route so
	// the 405 renders consistently with the rest of the path.
	rc := rt.classifier.Classify(req.URL.Path)
	for _, sibling := range methods {
		rc = sibling.class
		break
	}
	WriteError(w, req, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func recovering(rc RouteClass, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic recovered: path=%s method=%s err=%v\n%s", req.URL.Path, req.Method, rec, debug.Stack())
				WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}
