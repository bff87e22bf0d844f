// Package route provides the routing table the dispatcher resolves requests against.
package route

import (
	"net/http"
	"strings"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

// Table maps method and path patterns to handler bundles. It is built once at startup and is read-only
// afterwards, so it can be shared by all connections.
type Table struct {
	router *mux.Router
	named  map[string]*mux.Route
	global struct {
		captured     bool
		interceptors []bdispatch.Interceptor
	}
}

// entry is attached to each gorilla route as its handler so a match leads straight back to it.
type entry struct {
	name         string
	pattern      string
	interceptors []bdispatch.Interceptor
	target       bdispatch.Target
	mounted      bool
	mountPrefix  string
}

// ServeHTTP makes entry an http.Handler. Routes are only ever matched, never served.
func (e *entry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "route "+e.pattern+" is resolved by bdispatch", http.StatusNotImplemented)
}

// New inits an empty table.
func New() *Table {
	return &Table{
		router: mux.NewRouter(),
		named:  map[string]*mux.Route{},
	}
}

// Use adds interceptors that run for every route, before any route specific ones.
func (t *Table) Use(ics ...bdispatch.Interceptor) {
	t.ensureNoUseAfterHandle()
	t.global.interceptors = append(t.global.interceptors, ics...)
}

// Handle routes pattern to target. A pattern is an optional method followed by a path, e.g. "GET /users/{id}".
// Path variables use the gorilla/mux syntax and are available through [bdispatch.Request.PathValue].
func (t *Table) Handle(pattern string, target bdispatch.Target, name ...string) {
	t.handle(pattern, target, nil, name...)
}

// HandleFunc routes pattern to a function.
func (t *Table) HandleFunc(pattern string, f bdispatch.HandlerFunc, name ...string) {
	t.Handle(pattern, f, name...)
}

// HandleMethod routes pattern to the method called method on receiver. It panics when the method cannot be
// bound.
func (t *Table) HandleMethod(pattern string, receiver any, method string, name ...string) {
	t.Handle(pattern, bdispatch.MustBindMethod(receiver, method), name...)
}

// With returns a group whose routes run ics after the table's global interceptors.
func (t *Table) With(ics ...bdispatch.Interceptor) *Group {
	return &Group{t: t, interceptors: ics}
}

// Group registers routes that share interceptors.
type Group struct {
	t            *Table
	interceptors []bdispatch.Interceptor
}

// Handle is like [Table.Handle] for the group.
func (g *Group) Handle(pattern string, target bdispatch.Target, name ...string) {
	g.t.handle(pattern, target, g.interceptors, name...)
}

// HandleFunc is like [Table.HandleFunc] for the group.
func (g *Group) HandleFunc(pattern string, f bdispatch.HandlerFunc, name ...string) {
	g.Handle(pattern, f, name...)
}

// With returns a group that runs ics after the interceptors of g.
func (g *Group) With(ics ...bdispatch.Interceptor) *Group {
	return &Group{t: g.t, interceptors: append(append([]bdispatch.Interceptor{}, g.interceptors...), ics...)}
}

func (t *Table) handle(pattern string, target bdispatch.Target, ics []bdispatch.Interceptor, name ...string) {
	method, path := splitMethodPattern(pattern)

	r := t.router.NewRoute().Path(path)
	t.register(r, method, &entry{pattern: pattern, interceptors: ics, target: target}, name...)
}

func (t *Table) register(r *mux.Route, method string, e *entry, name ...string) {
	t.global.captured = true

	if method != "" {
		r.Methods(method)
	}

	if err := r.GetError(); err != nil {
		panic("bdispatch/route: invalid pattern " + e.pattern + ": " + err.Error())
	}

	if len(name) > 0 {
		if _, exists := t.named[name[0]]; exists {
			panic("bdispatch/route: route with name " + name[0] + " already exists")
		}

		r.Name(name[0])
		t.named[name[0]] = r
		e.name = name[0]
	}

	r.Handler(e)
}

// Resolve implements [bdispatch.Resolver]. Path variables of the matched route are recorded on req.
func (t *Table) Resolve(req *bdispatch.Request) (bdispatch.Bundle, bool) {
	var m mux.RouteMatch
	if !t.router.Match(req.Raw(), &m) || m.MatchErr != nil || m.Route == nil {
		return bdispatch.Bundle{}, false
	}

	e, ok := m.Route.GetHandler().(*entry)
	if !ok {
		return bdispatch.Bundle{}, false
	}

	for k, v := range m.Vars {
		req.SetPathValue(k, v)
	}

	if e.mounted {
		rest := strings.TrimPrefix(req.Path(), e.mountPrefix)
		if rest == "" {
			rest = "/"
		}

		req.SetPathValue(RestKey, rest)
	}

	ics := make([]bdispatch.Interceptor, 0, len(t.global.interceptors)+len(e.interceptors))
	ics = append(ics, t.global.interceptors...)
	ics = append(ics, e.interceptors...)

	return bdispatch.Bundle{
		Route:        e.routeName(),
		Interceptors: ics,
		Target:       e.target,
	}, true
}

func (e *entry) routeName() string {
	if e.name != "" {
		return e.name
	}

	return e.pattern
}

// Reverse returns the path of the named route with vals filled in for its variables, in order.
func (t *Table) Reverse(name string, vals ...string) (string, error) {
	r, ok := t.named[name]
	if !ok {
		return "", errors.Newf("no route named: %q, got: %v", name, lo.Keys(t.named))
	}

	vars, err := r.GetVarNames()
	if err != nil {
		return "", errors.Wrap(err, "get var names")
	}

	if len(vals) != len(vars) {
		return "", errors.Newf("route %q takes %d values, got %d", name, len(vars), len(vals))
	}

	pairs := make([]string, 0, len(vars)*2)
	for i, v := range vars {
		pairs = append(pairs, v, vals[i])
	}

	u, err := r.URLPath(pairs...)
	if err != nil {
		return "", errors.Wrap(err, "failed to build")
	}

	return u.Path, nil
}

// Info describes a registered route.
type Info struct {
	Name    string
	Pattern string
	Methods []string
}

// Routes lists the registered routes in registration order.
func (t *Table) Routes() []Info {
	var infos []Info
	_ = t.router.Walk(func(r *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		e, ok := r.GetHandler().(*entry)
		if !ok {
			return nil
		}

		methods, _ := r.GetMethods()
		infos = append(infos, Info{Name: e.name, Pattern: e.pattern, Methods: methods})
		return nil
	})

	return infos
}

func (t *Table) ensureNoUseAfterHandle() {
	if t.global.captured {
		panic("bdispatch/route: cannot call Use() after calling Handle")
	}
}

// splitMethodPattern splits "GET /path" into its method and path. Without a method the full pattern is the
// path.
func splitMethodPattern(pattern string) (method, path string) {
	pattern = strings.TrimSpace(pattern)
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		return strings.ToUpper(pattern[:idx]), strings.TrimSpace(pattern[idx+1:])
	}

	return "", pattern
}

var _ bdispatch.Resolver = (*Table)(nil)
