// Package graph holds a board's objects as a flat arena keyed by id. The
// hierarchy is expressed only through each object's parent id; a children
// index is derived from it and kept current on every write.
package graph

import (
	"sort"
	"sync"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// Graph is the in-memory object graph of one board. Objects are copied on the
// way in and out, so callers never share storage with the arena.
type Graph struct {
	mu       sync.RWMutex
	objects  map[string]*models.Object
	children map[string]map[string]struct{}
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		objects:  make(map[string]*models.Object),
		children: make(map[string]map[string]struct{}),
	}
}

// Get returns a copy of the object, tombstoned or not
func (g *Graph) Get(id string) (*models.Object, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	obj, ok := g.objects[id]
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Live returns a copy of the object if it exists and is not tombstoned
func (g *Graph) Live(id string) (*models.Object, bool) {
	obj, ok := g.Get(id)
	if !ok || !obj.IsLive() {
		return nil, false
	}
	return obj, true
}

// Put inserts or replaces an object
func (g *Graph) Put(obj *models.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.put(obj.Clone())
}

func (g *Graph) put(obj *models.Object) {
	if prev, ok := g.objects[obj.ID]; ok {
		g.unlink(prev.Parent(), obj.ID)
	}
	g.objects[obj.ID] = obj
	if parent := obj.Parent(); parent != "" {
		set, ok := g.children[parent]
		if !ok {
			set = make(map[string]struct{})
			g.children[parent] = set
		}
		set[obj.ID] = struct{}{}
	}
}

func (g *Graph) unlink(parent, id string) {
	if parent == "" {
		return
	}
	if set, ok := g.children[parent]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.children, parent)
		}
	}
}

// Remove drops an object from the arena entirely. Tombstones are normally
// kept; this is for objects the store has garbage-collected.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if obj, ok := g.objects[id]; ok {
		g.unlink(obj.Parent(), id)
		delete(g.objects, id)
	}
}

// Replace swaps the whole arena for objs
func (g *Graph) Replace(objs []*models.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.objects = make(map[string]*models.Object, len(objs))
	g.children = make(map[string]map[string]struct{})
	for _, obj := range objs {
		g.put(obj.Clone())
	}
}

// Len returns the number of objects including tombstones
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

// All returns copies of every object, tombstones included, in render order
func (g *Graph) All() []*models.Object {
	return g.collect(func(*models.Object) bool { return true })
}

// LiveObjects returns copies of every live object in render order
func (g *Graph) LiveObjects() []*models.Object {
	return g.collect((*models.Object).IsLive)
}

func (g *Graph) collect(keep func(*models.Object) bool) []*models.Object {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.Object, 0, len(g.objects))
	for _, obj := range g.objects {
		if keep(obj) {
			out = append(out, obj.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Children returns the ids of the live direct children of id, sorted
func (g *Graph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.liveChildren(id)
}

func (g *Graph) liveChildren(id string) []string {
	var out []string
	for child := range g.children[id] {
		if g.objects[child].IsLive() {
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}

// Descendants returns the ids of every live object below the given roots, in
// breadth-first order, excluding the roots themselves. A visited set keeps a
// cycle introduced by concurrent remote edits from looping forever.
func (g *Graph) Descendants(roots ...string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(roots))
	for _, id := range roots {
		visited[id] = true
	}
	var out []string
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range g.liveChildren(id) {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// WouldCycle reports whether making parent the parent of id would close a
// loop in the hierarchy.
func (g *Graph) WouldCycle(id, parent string) bool {
	if parent == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	for cur := parent; cur != "" && !seen[cur]; {
		if cur == id {
			return true
		}
		seen[cur] = true
		obj, ok := g.objects[cur]
		if !ok {
			return false
		}
		cur = obj.Parent()
	}
	return false
}
