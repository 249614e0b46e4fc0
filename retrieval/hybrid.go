package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/siherrmann/kgrag/filter"
	"github.com/siherrmann/kgrag/model"
	rcontext "github.com/siherrmann/kgrag/retrieval/context"
)

// chunkUpdatedAt extracts the timestamp a time-window filter checks
// against. Chunks that carry no "updated_at" metadata key get the zero
// time, so they never match a filter with a StartTime but do pass a
// filter whose only bound is an EndTime.
func chunkUpdatedAt(meta model.Metadata) time.Time {
	if meta == nil {
		return time.Time{}
	}
	if v, ok := meta["updated_at"].(time.Time); ok {
		return v
	}
	if s, ok := meta["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

const sourceSep = "<SEP>"

// lightStrategy is the hybrid local+global strategy: local context comes
// from entities matched by low-level keywords, global context from
// relationships matched by high-level keywords, ported from the teacher's
// ContextualStrategy (vector hits plus one-hop graph context) generalized
// onto the entity/edge keyword split of §4.8.
type lightStrategy struct{}

func (lightStrategy) run(ctx context.Context, e *Engine, q Query) (*rcontext.Assembled, error) {
	kw := extractKeywords(ctx, e.cachedLLM(q.Mode), q.Text)
	f, err := targetFieldsFilter(q)
	if err != nil {
		return nil, err
	}

	localEntities, localEdges, localChunks, err := e.localContext(ctx, q, f, joinKeywords(kw.LowLevelKeywords))
	if err != nil {
		return nil, err
	}
	globalEdges, globalEntities, globalChunks, err := e.globalContext(ctx, q, f, joinKeywords(kw.HighLevelKeywords))
	if err != nil {
		return nil, err
	}

	entRows := mergeEntityRows(localEntities, globalEntities)
	relRows := mergeRelRows(localEdges, globalEdges)
	chunks := mergeChunks(localChunks, globalChunks)

	budgets := rcontext.TokenBudgets{
		NodeContext:   nonZero(q.MaxTokenForLocalContext, 4000),
		GlobalContext: nonZero(q.MaxTokenForGlobalContext, 4000),
		TextUnit:      nonZero(q.MaxTokenForTextUnit, 4000),
	}
	return rcontext.Build(e.tok, e.cfg.Model, entRows, relRows, chunks, budgets, q.IncludeProvenance)
}

func splitSourceIDs(sourceID string) []string {
	if sourceID == "" {
		return nil
	}
	return strings.Split(sourceID, sourceSep)
}

// localContext resolves entities matched by keywords against the
// entities_name index, fetches their node data and degree, resolves
// candidate chunks from their source_id fields weighted by one-hop
// connectivity (how many of an entity's neighbors also contributed to the
// same chunk), applies the post-filter to the resolved chunks, and
// gathers each entity's related edges.
func (e *Engine) localContext(ctx context.Context, q Query, f *filter.Filter, keywords string) ([]rcontext.EntityRow, []rcontext.RelationshipRow, []*model.Chunk, error) {
	if keywords == "" {
		return nil, nil, nil, nil
	}

	vec, err := embedOne(ctx, e, keywords)
	if err != nil {
		return nil, nil, nil, err
	}
	matches, err := e.stores.EntityNameVec.Query(ctx, vec, q.TopK, e.cfg.cosineBetterThanThreshold(), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieval: local entity query: %w", err)
	}

	var names []string
	for _, m := range matches {
		if name, ok := m.Metadata["entity_name"].(string); ok {
			names = append(names, name)
		}
	}

	nodes := make(map[string]*model.Entity, len(names))
	edgesByEntity := make(map[string][]*model.Relationship, len(names))
	for _, name := range names {
		node, err := e.stores.Graph.GetNode(ctx, name)
		if err != nil || node == nil {
			continue
		}
		nodes[name] = node
		edges, err := e.stores.Graph.GetNodeEdges(ctx, name)
		if err == nil {
			edgesByEntity[name] = edges
		}
	}

	oneHop := map[string]map[string]bool{} // neighbor name -> set of chunk ids it contributes
	for name, edges := range edgesByEntity {
		for _, edge := range edges {
			neighbor := edge.TgtName
			if neighbor == name {
				neighbor = edge.SrcName
			}
			neighborNode, ok := nodes[neighbor]
			if !ok {
				neighborNode, _ = e.stores.Graph.GetNode(ctx, neighbor)
			}
			if neighborNode == nil {
				continue
			}
			set := oneHop[neighbor]
			if set == nil {
				set = map[string]bool{}
				oneHop[neighbor] = set
			}
			for _, cid := range splitSourceIDs(neighborNode.SourceID) {
				set[cid] = true
			}
		}
	}

	type weightedChunk struct {
		id     string
		weight int
		order  int
	}
	weighted := map[string]*weightedChunk{}
	order := 0
	for name := range nodes {
		for _, cid := range splitSourceIDs(nodes[name].SourceID) {
			wc, ok := weighted[cid]
			if !ok {
				wc = &weightedChunk{id: cid, order: order}
				order++
				weighted[cid] = wc
			}
			for _, edge := range edgesByEntity[name] {
				neighbor := edge.TgtName
				if neighbor == name {
					neighbor = edge.SrcName
				}
				if oneHop[neighbor][cid] {
					wc.weight++
				}
			}
		}
	}

	chunkIDs := make([]string, 0, len(weighted))
	wcList := make([]*weightedChunk, 0, len(weighted))
	for _, wc := range weighted {
		chunkIDs = append(chunkIDs, wc.id)
		wcList = append(wcList, wc)
	}
	rows, err := e.stores.TextChunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieval: fetch local chunks: %w", err)
	}

	sort.Slice(wcList, func(i, j int) bool {
		if wcList[i].weight != wcList[j].weight {
			return wcList[i].weight > wcList[j].weight
		}
		return wcList[i].order < wcList[j].order
	})

	var chunks []*model.Chunk
	for _, wc := range wcList {
		row, ok := rows[wc.id]
		if !ok {
			continue
		}
		c := chunkFromRow(wc.id, row, 0)
		if f != nil && !f.Matches(c.Metadata, chunkUpdatedAt(c.Metadata)) {
			continue
		}
		chunks = append(chunks, c)
	}

	var entRows []rcontext.EntityRow
	for _, name := range names {
		node, ok := nodes[name]
		if !ok {
			continue
		}
		degree, _ := e.stores.Graph.NodeDegree(ctx, name)
		entRows = append(entRows, rcontext.EntityRow{Name: node.Name, Type: node.EntityType, Description: node.Description, Rank: degree})
	}

	var relRows []rcontext.RelationshipRow
	seenEdges := map[string]bool{}
	for _, edges := range edgesByEntity {
		for _, edge := range edges {
			key := edgeKey(edge.SrcName, edge.TgtName)
			if seenEdges[key] {
				continue
			}
			seenEdges[key] = true
			degree, _ := e.stores.Graph.EdgeDegree(ctx, edge.SrcName, edge.TgtName)
			relRows = append(relRows, rcontext.RelationshipRow{
				Src: edge.SrcName, Tgt: edge.TgtName, Description: edge.Description,
				Keywords: edge.Keywords, Weight: edge.Weight, Rank: degree,
			})
		}
	}

	return entRows, relRows, chunks, nil
}

// globalContext resolves edges matched by keywords against the
// relationships index, ranked by (degree desc, weight desc), resolves
// candidate chunks from their source_id, applies the post-filter, and
// gathers each edge's endpoint entities.
func (e *Engine) globalContext(ctx context.Context, q Query, f *filter.Filter, keywords string) ([]rcontext.RelationshipRow, []rcontext.EntityRow, []*model.Chunk, error) {
	if keywords == "" {
		return nil, nil, nil, nil
	}

	vec, err := embedOne(ctx, e, keywords)
	if err != nil {
		return nil, nil, nil, err
	}
	matches, err := e.stores.RelationVec.Query(ctx, vec, q.TopK, e.cfg.cosineBetterThanThreshold(), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieval: global relationship query: %w", err)
	}

	type rankedEdge struct {
		edge   *model.Relationship
		degree int
	}
	var ranked []rankedEdge
	for _, m := range matches {
		src, _ := m.Metadata["src_name"].(string)
		tgt, _ := m.Metadata["tgt_name"].(string)
		if src == "" || tgt == "" {
			continue
		}
		edge, err := e.stores.Graph.GetEdge(ctx, src, tgt)
		if err != nil || edge == nil {
			continue
		}
		degree, _ := e.stores.Graph.EdgeDegree(ctx, src, tgt)
		ranked = append(ranked, rankedEdge{edge: edge, degree: degree})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].degree != ranked[j].degree {
			return ranked[i].degree > ranked[j].degree
		}
		return ranked[i].edge.Weight > ranked[j].edge.Weight
	})

	chunkIDSet := map[string]bool{}
	var chunkIDs []string
	for _, re := range ranked {
		for _, cid := range splitSourceIDs(re.edge.SourceID) {
			if !chunkIDSet[cid] {
				chunkIDSet[cid] = true
				chunkIDs = append(chunkIDs, cid)
			}
		}
	}
	rows, err := e.stores.TextChunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retrieval: fetch global chunks: %w", err)
	}
	var chunks []*model.Chunk
	for _, cid := range chunkIDs {
		row, ok := rows[cid]
		if !ok {
			continue
		}
		c := chunkFromRow(cid, row, 0)
		if f != nil && !f.Matches(c.Metadata, chunkUpdatedAt(c.Metadata)) {
			continue
		}
		chunks = append(chunks, c)
	}

	relRows := make([]rcontext.RelationshipRow, 0, len(ranked))
	entityNames := map[string]bool{}
	for _, re := range ranked {
		relRows = append(relRows, rcontext.RelationshipRow{
			Src: re.edge.SrcName, Tgt: re.edge.TgtName, Description: re.edge.Description,
			Keywords: re.edge.Keywords, Weight: re.edge.Weight, Rank: re.degree,
		})
		entityNames[re.edge.SrcName] = true
		entityNames[re.edge.TgtName] = true
	}

	var entRows []rcontext.EntityRow
	for name := range entityNames {
		node, err := e.stores.Graph.GetNode(ctx, name)
		if err != nil || node == nil {
			continue
		}
		degree, _ := e.stores.Graph.NodeDegree(ctx, name)
		entRows = append(entRows, rcontext.EntityRow{Name: node.Name, Type: node.EntityType, Description: node.Description, Rank: degree})
	}

	return relRows, entRows, chunks, nil
}

func edgeKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + sourceSep + b
}

func mergeEntityRows(a, b []rcontext.EntityRow) []rcontext.EntityRow {
	seen := map[string]bool{}
	var out []rcontext.EntityRow
	for _, row := range append(append([]rcontext.EntityRow{}, a...), b...) {
		if seen[row.Name] {
			continue
		}
		seen[row.Name] = true
		out = append(out, row)
	}
	return out
}

func mergeRelRows(a, b []rcontext.RelationshipRow) []rcontext.RelationshipRow {
	seen := map[string]bool{}
	var out []rcontext.RelationshipRow
	for _, row := range append(append([]rcontext.RelationshipRow{}, a...), b...) {
		key := edgeKey(row.Src, row.Tgt)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}

func mergeChunks(a, b []*model.Chunk) []*model.Chunk {
	seen := map[string]bool{}
	var out []*model.Chunk
	for _, c := range append(append([]*model.Chunk{}, a...), b...) {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
