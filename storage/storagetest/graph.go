package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

// Graph is an in-memory storage.Graph, mirroring the teacher's
// core/graph.BFS/DFS shape (visited sets, adjacency lookup) but over
// entity names instead of chunk ids.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*model.Entity
	edges map[string]*model.Relationship // key: sorted "a|b"
	adj   map[string]map[string]bool
}

func NewGraph() *Graph {
	return &Graph{
		nodes: map[string]*model.Entity{},
		edges: map[string]*model.Relationship{},
		adj:   map[string]map[string]bool{},
	}
}

func edgeKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

func (g *Graph) HasNode(_ context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[name]
	return ok, nil
}

func (g *Graph) HasEdge(_ context.Context, src, tgt string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.edges[edgeKey(src, tgt)]
	return ok, nil
}

func (g *Graph) GetNode(_ context.Context, name string) (*model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[name], nil
}

func (g *Graph) GetEdge(_ context.Context, src, tgt string) (*model.Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges[edgeKey(src, tgt)], nil
}

func (g *Graph) NodeDegree(_ context.Context, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.adj[name]), nil
}

func (g *Graph) EdgeDegree(ctx context.Context, src, tgt string) (int, error) {
	srcDeg, _ := g.NodeDegree(ctx, src)
	tgtDeg, _ := g.NodeDegree(ctx, tgt)
	return srcDeg + tgtDeg, nil
}

func (g *Graph) GetNodeEdges(_ context.Context, name string) ([]*model.Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.Relationship
	for other := range g.adj[name] {
		if r, ok := g.edges[edgeKey(name, other)]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (g *Graph) UpsertNode(_ context.Context, e *model.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[e.Name] = e
	if _, ok := g.adj[e.Name]; !ok {
		g.adj[e.Name] = map[string]bool{}
	}
	return nil
}

func (g *Graph) UpsertEdge(_ context.Context, r *model.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[edgeKey(r.SrcName, r.TgtName)] = r
	if _, ok := g.adj[r.SrcName]; !ok {
		g.adj[r.SrcName] = map[string]bool{}
	}
	if _, ok := g.adj[r.TgtName]; !ok {
		g.adj[r.TgtName] = map[string]bool{}
	}
	g.adj[r.SrcName][r.TgtName] = true
	g.adj[r.TgtName][r.SrcName] = true
	return nil
}

func (g *Graph) DeleteNode(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, name)
	for other := range g.adj[name] {
		delete(g.adj[other], name)
		delete(g.edges, edgeKey(name, other))
	}
	delete(g.adj, name)
	return nil
}

func (g *Graph) DeleteByChunkIDs(_ context.Context, chunkIDs []string) ([]string, [][2]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remove := map[string]bool{}
	for _, id := range chunkIDs {
		remove[id] = true
	}

	var removedEntities []string
	for name, e := range g.nodes {
		remaining := stripSourceIDs(e.SourceID, remove)
		if remaining == "" {
			removedEntities = append(removedEntities, name)
			delete(g.nodes, name)
			for other := range g.adj[name] {
				delete(g.adj[other], name)
			}
			delete(g.adj, name)
		} else {
			e.SourceID = remaining
		}
	}

	var removedPairs [][2]string
	for key, r := range g.edges {
		remaining := stripSourceIDs(r.SourceID, remove)
		if remaining == "" {
			removedPairs = append(removedPairs, [2]string{r.SrcName, r.TgtName})
			delete(g.edges, key)
			if g.adj[r.SrcName] != nil {
				delete(g.adj[r.SrcName], r.TgtName)
			}
			if g.adj[r.TgtName] != nil {
				delete(g.adj[r.TgtName], r.SrcName)
			}
		} else {
			r.SourceID = remaining
		}
	}

	return removedEntities, removedPairs, nil
}

func stripSourceIDs(sourceID string, remove map[string]bool) string {
	if sourceID == "" {
		return ""
	}
	parts := strings.Split(sourceID, "<SEP>")
	var kept []string
	for _, p := range parts {
		if !remove[p] {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "<SEP>")
}

func (g *Graph) GetTypes(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range g.nodes {
		if !seen[e.EntityType] {
			seen[e.EntityType] = true
			out = append(out, e.EntityType)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *Graph) GetNodesFromTypes(_ context.Context, types []string) ([]*model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wanted := map[string]bool{}
	for _, t := range types {
		wanted[t] = true
	}
	var out []*model.Entity
	for _, e := range g.nodes {
		if wanted[e.EntityType] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *Graph) GetNeighborsWithinKHops(_ context.Context, name string, k int) ([]*model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := map[string]bool{name: true}
	frontier := []string{name}
	var result []*model.Entity

	for hop := 0; hop < k && len(frontier) > 0; hop++ {
		var next []string
		for _, n := range frontier {
			for neighbor := range g.adj[n] {
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
				if e, ok := g.nodes[neighbor]; ok {
					result = append(result, e)
				}
			}
		}
		frontier = next
	}

	return result, nil
}

func (g *Graph) IndexDoneCallback(context.Context) error { return nil }

var _ storage.Graph = (*Graph)(nil)

// DocStatus is an in-memory storage.DocStatus.
type DocStatus struct {
	mu   sync.Mutex
	rows map[string]*model.DocStatus
}

func NewDocStatus() *DocStatus { return &DocStatus{rows: map[string]*model.DocStatus{}} }

func (d *DocStatus) FilterKeys(_ context.Context, ids []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []string
	for _, id := range ids {
		if _, ok := d.rows[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (d *DocStatus) GetDocsByStatus(_ context.Context, statuses ...model.DocStatusValue) ([]*model.DocStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	want := map[model.DocStatusValue]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*model.DocStatus
	for _, row := range d.rows {
		if len(want) == 0 || want[row.Status] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *DocStatus) GetStatusCounts(_ context.Context) (map[model.DocStatusValue]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := map[model.DocStatusValue]int{}
	for _, row := range d.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (d *DocStatus) Upsert(_ context.Context, rows []*model.DocStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range rows {
		d.rows[row.ID] = row
	}
	return nil
}

var _ storage.DocStatus = (*DocStatus)(nil)
