package route

import (
	"strings"

	"github.com/advdv/bdispatch"
)

// RestKey is the path value under which a mounted target finds the part of the path below its mount point.
const RestKey = "rest"

// Mount routes a path and everything below it to target. The target sees the path with the mount prefix
// stripped as the [RestKey] path value, "/" for the prefix itself.
func (t *Table) Mount(pattern string, target bdispatch.Target) {
	t.mount(pattern, target, nil)
}

// MountFunc is like Mount for a function.
func (t *Table) MountFunc(pattern string, f bdispatch.HandlerFunc) {
	t.Mount(pattern, f)
}

// Mount is like [Table.Mount] for the group.
func (g *Group) Mount(pattern string, target bdispatch.Target) {
	g.t.mount(pattern, target, g.interceptors)
}

func (t *Table) mount(pattern string, target bdispatch.Target, ics []bdispatch.Interceptor) {
	method, path := splitMethodPattern(pattern)
	path = strings.TrimSuffix(path, "/")

	e := &entry{pattern: pattern, interceptors: ics, target: target, mounted: true, mountPrefix: path}
	if path != "" {
		t.register(t.router.NewRoute().Path(path), method, e)
	}

	t.register(t.router.NewRoute().PathPrefix(path+"/"), method, e)
}
