package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/siherrmann/kgrag/model"
	rcontext "github.com/siherrmann/kgrag/retrieval/context"
)

// candidate is one reasoning entity tracked through the mini algorithm's
// ten steps: a query-matched starting point, its k=2 neighborhood paths,
// and the running score those paths accumulate.
type candidate struct {
	name      string
	score     float64
	paths     [][]string // each path is a sequence of entity names, candidate first
	pathPairs [][2]string
}

// miniStrategy is the graph-path-scored strategy: it expands a k=2
// neighborhood from query-mentioned entities, scores reasoning paths by
// endpoint similarity/length/answer-type match, lets "good" edges
// (both endpoints already candidates) vote to strengthen those scores,
// and finally weights path-derived and direct chunk hits into a combined
// selection. Graph traversal generalizes the teacher's core/graph.BFS
// shape (visited-set + queue) from chunk-hopping to entity-hopping.
type miniStrategy struct{}

func (miniStrategy) run(ctx context.Context, e *Engine, q Query) (*rcontext.Assembled, error) {
	kw := extractKeywords(ctx, e.cachedLLM(q.Mode), q.Text)
	seedNames := kw.EntitiesFromQuery
	if len(seedNames) > 5 {
		seedNames = seedNames[:5]
	}

	f, err := targetFieldsFilter(q)
	if err != nil {
		return nil, err
	}

	candidates := map[string]*candidate{}

	// Step 1: vector-query entities_name per seed, seeding candidate scores.
	for _, seed := range seedNames {
		vec, err := embedOne(ctx, e, seed)
		if err != nil {
			return nil, err
		}
		matches, err := e.stores.EntityNameVec.Query(ctx, vec, q.TopK, e.cfg.cosineBetterThanThreshold(), nil)
		if err != nil {
			return nil, fmt.Errorf("retrieval: mini entity seed query: %w", err)
		}
		for _, m := range matches {
			name, ok := m.Metadata["entity_name"].(string)
			if !ok {
				continue
			}
			c := candidates[name]
			if c == nil {
				c = &candidate{name: name}
				candidates[name] = c
			}
			if m.Distance > c.score {
				c.score = m.Distance
			}
		}
	}

	// Step 2: expand k=2 neighborhood per candidate, recording reachable
	// pairs as its Path.
	for _, c := range candidates {
		paths, pairs, err := expandPaths(ctx, e, c.name, 2)
		if err != nil {
			return nil, err
		}
		c.paths = paths
		c.pathPairs = pairs
	}

	// Step 3: prune candidates with no path to the top 20% by score.
	candidates = pruneEmptyPaths(candidates)

	// Step 4: add entities whose type matches an answer-type keyword.
	if len(kw.AnswerTypeKeywords) > 0 {
		typed, err := e.stores.Graph.GetNodesFromTypes(ctx, kw.AnswerTypeKeywords)
		if err != nil {
			return nil, fmt.Errorf("retrieval: mini answer-type lookup: %w", err)
		}
		for _, node := range typed {
			if _, ok := candidates[node.Name]; !ok {
				candidates[node.Name] = &candidate{name: node.Name, score: 0.1}
			}
		}
	}

	// Step 5: path scoring — endpoint similarity (already in c.score),
	// shorter paths score higher, answer-type endpoints get a bonus.
	answerTypes := map[string]bool{}
	for _, t := range kw.AnswerTypeKeywords {
		answerTypes[t] = true
	}
	for _, c := range candidates {
		c.score = pathScore(ctx, e, c, answerTypes)
	}

	// Step 6: edge voting from a direct relationships query.
	edgeVote(ctx, e, q, candidates)

	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	// Step 7: path -> chunks, weighted by candidate score and an endpoint
	// boost, capped at the node-level 5-chunk cap (the 5 most semantically
	// similar to the query, when a node's source chunks exceed that) and
	// max_chunks per candidate.
	directVec, err := embedOne(ctx, e, q.Text)
	if err != nil {
		return nil, err
	}
	pathChunkWeights := map[string]float64{}
	for _, c := range ranked {
		weighPathChunks(ctx, e, c, directVec, pathChunkWeights, e.cfg.maxChunksPerCandidate())
	}

	// Step 8: entity table, truncated to MaxTokenForNodeContext.
	entRows := make([]rcontext.EntityRow, 0, len(ranked))
	for i, c := range ranked {
		node, err := e.stores.Graph.GetNode(ctx, c.name)
		if err != nil || node == nil {
			continue
		}
		entRows = append(entRows, rcontext.EntityRow{Name: node.Name, Type: node.EntityType, Description: node.Description, Rank: len(ranked) - i})
	}

	// Step 9: direct chunk query on the original text, combined with
	// path-derived weights (direct hits get a x10 boost).
	directMatches, err := e.stores.ChunkVec.Query(ctx, directVec, q.TopK/2, e.cfg.cosineBetterThanThreshold(), f)
	if err != nil {
		return nil, fmt.Errorf("retrieval: mini direct chunk query: %w", err)
	}
	combined := map[string]float64{}
	for k, v := range pathChunkWeights {
		combined[k] = v
	}
	for _, m := range directMatches {
		combined[m.ID] += m.Distance * 10
	}

	type scored struct {
		id    string
		score float64
	}
	var scoredChunks []scored
	for id, s := range combined {
		scoredChunks = append(scoredChunks, scored{id, s})
	}
	sort.Slice(scoredChunks, func(i, j int) bool { return scoredChunks[i].score > scoredChunks[j].score })

	topK := q.TopK / 2
	if topK <= 0 {
		topK = 1
	}
	if len(scoredChunks) > topK {
		scoredChunks = scoredChunks[:topK]
	}

	chunkIDs := make([]string, len(scoredChunks))
	for i, s := range scoredChunks {
		chunkIDs[i] = s.id
	}
	rows, err := e.stores.TextChunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieval: mini fetch chunks: %w", err)
	}
	var chunks []*model.Chunk
	for _, id := range chunkIDs {
		row, ok := rows[id]
		if !ok {
			continue
		}
		chunks = append(chunks, chunkFromRow(id, row, combined[id]))
	}

	budgets := rcontext.TokenBudgets{
		NodeContext: nonZero(q.MaxTokenForNodeContext, 4000),
		TextUnit:    nonZero(q.MaxTokenForTextUnit, 4000),
	}
	return rcontext.Build(e.tok, e.cfg.Model, entRows, nil, chunks, budgets, q.IncludeProvenance)
}

// expandPaths walks up to k hops from start via storage.Graph, recording
// every distinct path to a reached entity the way the teacher's BFS
// recorded TraversalResult.Path, generalized from chunk ids to entity
// names.
func expandPaths(ctx context.Context, e *Engine, start string, k int) ([][]string, [][2]string, error) {
	type frame struct {
		name string
		path []string
	}
	visited := map[string]bool{start: true}
	queue := []frame{{name: start, path: []string{start}}}
	var paths [][]string
	var pairs [][2]string

	for hop := 0; hop < k && len(queue) > 0; hop++ {
		var next []frame
		for _, cur := range queue {
			edges, err := e.stores.Graph.GetNodeEdges(ctx, cur.name)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				neighbor := edge.TgtName
				if neighbor == cur.name {
					neighbor = edge.SrcName
				}
				pairs = append(pairs, [2]string{edge.SrcName, edge.TgtName})
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				p := append(append([]string{}, cur.path...), neighbor)
				paths = append(paths, p)
				next = append(next, frame{name: neighbor, path: p})
			}
		}
		queue = next
	}
	return paths, pairs, nil
}

func pruneEmptyPaths(candidates map[string]*candidate) map[string]*candidate {
	var withPaths, withoutPaths []*candidate
	for _, c := range candidates {
		if len(c.paths) > 0 {
			withPaths = append(withPaths, c)
		} else {
			withoutPaths = append(withoutPaths, c)
		}
	}
	sort.Slice(withoutPaths, func(i, j int) bool { return withoutPaths[i].score > withoutPaths[j].score })
	keep := (len(withoutPaths) + 4) / 5 // top 20%, rounded up
	if keep > len(withoutPaths) {
		keep = len(withoutPaths)
	}

	result := map[string]*candidate{}
	for _, c := range withPaths {
		result[c.name] = c
	}
	for i := 0; i < keep; i++ {
		result[withoutPaths[i].name] = withoutPaths[i]
	}
	return result
}

func pathScore(ctx context.Context, e *Engine, c *candidate, answerTypes map[string]bool) float64 {
	score := c.score
	if len(c.paths) == 0 {
		return score
	}
	shortest := len(c.paths[0])
	for _, p := range c.paths {
		if len(p) < shortest {
			shortest = len(p)
		}
	}
	lengthBonus := 1.0 / float64(shortest)
	score += lengthBonus

	if len(answerTypes) > 0 {
		for _, p := range c.paths {
			endpoint := p[len(p)-1]
			node, err := e.stores.Graph.GetNode(ctx, endpoint)
			if err == nil && node != nil && answerTypes[node.EntityType] {
				score += 0.5
				break
			}
		}
	}
	return score
}

// edgeVote queries the relationships index with the original text,
// classifies each hit as "good" (both endpoints already candidates) or
// "bad", and lets good edges strengthen the scores of paths that
// traverse them.
func edgeVote(ctx context.Context, e *Engine, q Query, candidates map[string]*candidate) {
	if len(candidates) == 0 {
		return
	}
	vec, err := embedOne(ctx, e, q.Text)
	if err != nil {
		return
	}
	topK := q.TopK * len(candidates)
	matches, err := e.stores.RelationVec.Query(ctx, vec, topK, e.cfg.cosineBetterThanThreshold(), nil)
	if err != nil {
		return
	}
	for _, m := range matches {
		src, _ := m.Metadata["src_name"].(string)
		tgt, _ := m.Metadata["tgt_name"].(string)
		if src == "" || tgt == "" {
			continue
		}
		cs, sOK := candidates[src]
		ct, tOK := candidates[tgt]
		if !sOK || !tOK {
			continue // "bad" edge: not both endpoints are candidates
		}
		cs.score += 0.1
		ct.score += 0.1
		cs.pathPairs = append(cs.pathPairs, [2]string{src, tgt})
		ct.pathPairs = append(ct.pathPairs, [2]string{src, tgt})
	}
}

// weighPathChunks collects chunk ids from a candidate's traversed edges
// and path entities, weighted by the candidate's score with a boost for
// the candidate's own (endpoint) source chunks, capped at the 5 source
// chunks per node most semantically similar to queryVec and maxChunks
// distinct chunks per candidate.
func weighPathChunks(ctx context.Context, e *Engine, c *candidate, queryVec []float32, out map[string]float64, maxChunks int) {
	type weighted struct {
		id     string
		weight float64
	}
	var contributions []weighted

	addFromSourceID := func(sourceID string, boost float64) {
		parts := splitSourceIDs(sourceID)
		parts = topSimilarChunks(ctx, e, queryVec, parts, 5)
		for _, cid := range parts {
			contributions = append(contributions, weighted{id: cid, weight: c.score * boost})
		}
	}

	node, err := e.stores.Graph.GetNode(ctx, c.name)
	if err == nil && node != nil {
		addFromSourceID(node.SourceID, 1.5) // endpoint boost
	}
	for _, p := range c.path(c.name) {
		mid, err := e.stores.Graph.GetNode(ctx, p)
		if err == nil && mid != nil {
			addFromSourceID(mid.SourceID, 1.0)
		}
	}
	for _, pair := range c.pathPairs {
		edge, err := e.stores.Graph.GetEdge(ctx, pair[0], pair[1])
		if err == nil && edge != nil {
			addFromSourceID(edge.SourceID, 1.0)
		}
	}

	sort.Slice(contributions, func(i, j int) bool { return contributions[i].weight > contributions[j].weight })
	seen := map[string]bool{}
	kept := 0
	for _, w := range contributions {
		if seen[w.id] {
			out[w.id] += w.weight
			continue
		}
		if kept >= maxChunks {
			continue
		}
		seen[w.id] = true
		kept++
		out[w.id] += w.weight
	}
}

// topSimilarChunks ranks ids by the cosine similarity of each chunk's
// content embedding to queryVec and keeps the n most similar, the way the
// original implementation re-ranks an over-long per-node source chunk
// list by description similarity to the query instead of truncating it
// positionally. ids already at or under n pass through untouched; above
// n, an id whose row is missing or whose content can't be embedded is
// dropped, and if the rows can't be fetched the first n ids are kept.
func topSimilarChunks(ctx context.Context, e *Engine, queryVec []float32, ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}

	rows, err := e.stores.TextChunks.GetByIDs(ctx, ids)
	if err != nil {
		return ids[:n]
	}

	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	for _, id := range ids {
		row, ok := rows[id]
		if !ok {
			continue
		}
		content, _ := row["content"].(string)
		vecs, err := e.embed(ctx, []string{content})
		if err != nil || len(vecs) == 0 {
			continue
		}
		ranked = append(ranked, scored{id: id, score: cosineSimilarity(queryVec, vecs[0])})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// path returns the intermediate entity names (excluding the candidate
// itself) across every recorded path.
func (c *candidate) path(self string) []string {
	seen := map[string]bool{self: true}
	var names []string
	for _, p := range c.paths {
		for _, n := range p {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}
