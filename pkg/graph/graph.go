// Package graph implements the property graph described in spec §4.3: an
// arena of vertices addressed by integer index, a secondary name index,
// and personalized PageRank over the resulting adjacency.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ErrDuplicateVertex indicates add_vertices was asked to add a name that
// already exists. This is fatal per spec §4.3.
var ErrDuplicateVertex = errors.New("graph: duplicate vertex name")

// ErrLengthMismatch indicates add_vertices was given attribute columns of
// unequal length. This is fatal per spec §4.3.
var ErrLengthMismatch = errors.New("graph: attribute columns have unequal length")

// edge is a directed adjacency entry: target vertex index and weight.
type edge struct {
	target int
	weight float64
}

// SimpleGraph is a property graph over integer vertex indices, with a
// secondary index name -> vertex_idx. Not safe for concurrent use.
type SimpleGraph struct {
	directed bool

	names []string
	attrs []map[string]any

	// adj[i] holds outgoing edges from vertex i, added in insertion order.
	adj [][]edge

	nameIndex map[string]int
}

// New creates an empty graph. directed controls whether add_edges also
// inserts the reverse edge (undirected graphs do).
func New(directed bool) *SimpleGraph {
	return &SimpleGraph{
		directed:  directed,
		nameIndex: make(map[string]int),
	}
}

// VCount returns the number of vertices.
func (g *SimpleGraph) VCount() int { return len(g.names) }

// ECount returns the number of directed adjacency entries (an undirected
// edge contributes two).
func (g *SimpleGraph) ECount() int {
	n := 0
	for _, es := range g.adj {
		n += len(es)
	}
	return n
}

// VertexNames returns every vertex name, in insertion order.
func (g *SimpleGraph) VertexNames() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// VertexIndex returns the index of a vertex by name.
func (g *SimpleGraph) VertexIndex(name string) (int, bool) {
	idx, ok := g.nameIndex[name]
	return idx, ok
}

// Attrs returns the attribute map for a vertex, or nil if out of range.
func (g *SimpleGraph) Attrs(idx int) map[string]any {
	if idx < 0 || idx >= len(g.attrs) {
		return nil
	}
	return g.attrs[idx]
}

// EdgeWeight returns the weight of the edge from -> to by name, and
// whether it exists.
func (g *SimpleGraph) EdgeWeight(from, to string) (float64, bool) {
	src, ok1 := g.nameIndex[from]
	tgt, ok2 := g.nameIndex[to]
	if !ok1 || !ok2 {
		return 0, false
	}
	for _, e := range g.adj[src] {
		if e.target == tgt {
			return e.weight, true
		}
	}
	return 0, false
}

// AddVertices adds vertices in bulk from columnar attributes. names gives
// the vertex names; attrs gives one map of extra attributes per name (may
// be nil entries). All columns (conceptually names plus any attribute
// column a caller threads through attrs) must agree in length; callers
// pass len(names) == len(attrs). Duplicate names are rejected.
func (g *SimpleGraph) AddVertices(names []string, attrs []map[string]any) error {
	if len(attrs) != len(names) {
		return ErrLengthMismatch
	}
	for _, name := range names {
		if _, exists := g.nameIndex[name]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateVertex, name)
		}
	}
	for i, name := range names {
		idx := len(g.names)
		g.names = append(g.names, name)
		g.attrs = append(g.attrs, attrs[i])
		g.adj = append(g.adj, nil)
		g.nameIndex[name] = idx
	}
	return nil
}

// AddEdges adds edges in bulk, named by (source, target) pairs with a
// parallel weight slice. Pairs referencing an unknown name are dropped
// with a warning; self-loops are dropped silently per spec.
func (g *SimpleGraph) AddEdges(pairs [][2]string, weights []float64) {
	for i, pair := range pairs {
		src, ok1 := g.nameIndex[pair[0]]
		tgt, ok2 := g.nameIndex[pair[1]]
		if !ok1 || !ok2 {
			log.Printf("hipporag: graph: add_edges: unknown vertex in pair (%q, %q), dropped", pair[0], pair[1])
			continue
		}
		if src == tgt {
			continue
		}
		w := weights[i]
		g.adj[src] = append(g.adj[src], edge{target: tgt, weight: w})
		if !g.directed {
			g.adj[tgt] = append(g.adj[tgt], edge{target: src, weight: w})
		}
	}
}

// DeleteVertices removes vertices by name, along with all incident edges,
// then compacts the vertex list and rebuilds the name index.
func (g *SimpleGraph) DeleteVertices(names []string) {
	doomed := make(map[int]bool, len(names))
	for _, name := range names {
		if idx, ok := g.nameIndex[name]; ok {
			doomed[idx] = true
		}
	}
	if len(doomed) == 0 {
		return
	}

	remap := make([]int, len(g.names)) // old idx -> new idx, -1 if removed
	newNames := make([]string, 0, len(g.names))
	newAttrs := make([]map[string]any, 0, len(g.names))
	for old := 0; old < len(g.names); old++ {
		if doomed[old] {
			remap[old] = -1
			continue
		}
		remap[old] = len(newNames)
		newNames = append(newNames, g.names[old])
		newAttrs = append(newAttrs, g.attrs[old])
	}

	newAdj := make([][]edge, len(newNames))
	for old, es := range g.adj {
		if doomed[old] {
			continue
		}
		ni := remap[old]
		for _, e := range es {
			if doomed[e.target] {
				continue
			}
			newAdj[ni] = append(newAdj[ni], edge{target: remap[e.target], weight: e.weight})
		}
	}

	g.names = newNames
	g.attrs = newAttrs
	g.adj = newAdj
	g.nameIndex = make(map[string]int, len(newNames))
	for i, name := range newNames {
		g.nameIndex[name] = i
	}
}

// PersonalizedPageRank runs Jacobi-style power iteration to convergence
// (or a 100-iteration cap), per spec §4.3. reset is indexed by vertex name;
// names absent from reset are treated as 0. damping of 0 disables restart
// entirely (pure random walk); the spec's documented default is 0.5.
func (g *SimpleGraph) PersonalizedPageRank(reset map[string]float64, damping float64) []float64 {
	n := g.VCount()
	if n == 0 {
		return nil
	}

	r := make([]float64, n)
	var sum float64
	for name, v := range reset {
		idx, ok := g.nameIndex[name]
		if !ok {
			continue
		}
		if v < 0 || isNaN(v) {
			v = 0
		}
		r[idx] = v
		sum += v
	}
	if sum == 0 {
		uniform := 1.0 / float64(n)
		for i := range r {
			r[i] = uniform
		}
	} else {
		for i := range r {
			r[i] /= sum
		}
	}

	out := make([]float64, n)
	for i, es := range g.adj {
		for _, e := range es {
			out[i] += e.weight
		}
	}

	s := make([]float64, n)
	uniform := 1.0 / float64(n)
	for i := range s {
		s[i] = uniform
	}

	next := make([]float64, n)
	for iter := 0; iter < 100; iter++ {
		var dangling float64
		for i, o := range out {
			if o == 0 {
				dangling += s[i]
			}
		}

		for j := 0; j < n; j++ {
			next[j] = (1-damping)*r[j] + damping*dangling*r[j]
		}

		for i, o := range out {
			if o == 0 {
				continue
			}
			c := damping * s[i] / o
			for _, e := range g.adj[i] {
				next[e.target] += c * e.weight
			}
		}

		var delta float64
		for j := 0; j < n; j++ {
			d := next[j] - s[j]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		s, next = next, s
		if delta < 1e-6 {
			break
		}
	}
	return s
}

func isNaN(f float64) bool {
	return f != f
}

// Edge is one (source, target, weight) adjacency entry as returned by
// EdgeList.
type Edge struct {
	Source string
	Target string
	Weight float64
}

// EdgeList returns every edge by name, de-duplicating the reverse direction
// of undirected edges the same way Save does (each undirected pair appears
// once).
func (g *SimpleGraph) EdgeList() []Edge {
	var out []Edge
	seen := make(map[[2]int]bool)
	for i, es := range g.adj {
		for _, e := range es {
			if !g.directed {
				key := [2]int{i, e.target}
				rkey := [2]int{e.target, i}
				if seen[rkey] {
					continue
				}
				seen[key] = true
			}
			out = append(out, Edge{Source: g.names[i], Target: g.names[e.target], Weight: e.weight})
		}
	}
	return out
}

// fileVertex and fileEdge mirror the JSON persistence shape from spec §4.3.
type fileVertex struct {
	Name  string         `json:"name"`
	Attrs map[string]any `json:"-"`
}

type fileEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

type fileFormat struct {
	Directed bool             `json:"directed"`
	Vertices []map[string]any `json:"vertices"`
	Edges    []fileEdge       `json:"edges"`
}

// Save persists the graph as JSON: { directed, vertices: [{name, ...}],
// edges: [{source, target, weight}] }.
func (g *SimpleGraph) Save(path string) error {
	ff := fileFormat{Directed: g.directed}
	for i, name := range g.names {
		v := map[string]any{"name": name}
		for k, val := range g.attrs[i] {
			v[k] = val
		}
		ff.Vertices = append(ff.Vertices, v)
	}
	for _, e := range g.EdgeList() {
		ff.Edges = append(ff.Edges, fileEdge{Source: e.Source, Target: e.Target, Weight: e.Weight})
	}

	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("graph: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("graph: mkdir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("graph: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if werr := os.WriteFile(path, data, 0o644); werr != nil {
			return fmt.Errorf("graph: rename %s: %w (fallback write also failed: %v)", tmp, err, werr)
		}
		_ = os.Remove(tmp)
	}
	return nil
}

// Load reads a graph from JSON, tolerating unknown keys in each vertex
// object (extra attribute keys are preserved verbatim).
func Load(path string) (*SimpleGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("graph: parse %s: %w", path, err)
	}

	g := New(ff.Directed)
	names := make([]string, 0, len(ff.Vertices))
	attrs := make([]map[string]any, 0, len(ff.Vertices))
	for _, v := range ff.Vertices {
		name, _ := v["name"].(string)
		rest := make(map[string]any, len(v))
		for k, val := range v {
			if k == "name" {
				continue
			}
			rest[k] = val
		}
		names = append(names, name)
		attrs = append(attrs, rest)
	}
	if err := g.AddVertices(names, attrs); err != nil {
		return nil, fmt.Errorf("graph: load: %w", err)
	}

	pairs := make([][2]string, 0, len(ff.Edges))
	weights := make([]float64, 0, len(ff.Edges))
	for _, e := range ff.Edges {
		pairs = append(pairs, [2]string{e.Source, e.Target})
		weights = append(weights, e.Weight)
	}
	g.AddEdges(pairs, weights)

	return g, nil
}
