package extract

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/siherrmann/kgrag/ids"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

const sourceSep = "<SEP>"

// Merger folds per-chunk extractions into the graph store, generalizing
// the teacher's Grapher.ProcessAndInsertDocument entity/edge insert loop
// (log-and-continue per row) into the node/edge merge rules: mode-of-union
// type, sorted-deduplicated separator-joined description/keywords/
// source_id, and summed weight.
type Merger struct {
	Graph storage.Graph
	Embed func(ctx context.Context, texts []string) ([][]float32, error)
	Log   *slog.Logger
}

func (m *Merger) logger() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}
	return m.Log
}

func dedupJoin(existing, addition string) string {
	set := map[string]bool{}
	var order []string
	add := func(s string) {
		if s == "" || set[s] {
			return
		}
		set[s] = true
		order = append(order, s)
	}
	for _, p := range strings.Split(existing, sourceSep) {
		add(p)
	}
	for _, p := range strings.Split(addition, sourceSep) {
		add(p)
	}
	sort.Strings(order)
	return strings.Join(order, sourceSep)
}

func modeOfUnion(existing string, additions []string) string {
	counts := map[string]int{}
	var order []string
	bump := func(s string) {
		if s == "" {
			return
		}
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
	}
	bump(existing)
	for _, a := range additions {
		bump(a)
	}

	best := existing
	bestCount := -1
	for _, s := range order {
		if counts[s] > bestCount {
			best = s
			bestCount = counts[s]
		}
	}
	return best
}

// MergeAndUpsert folds extractions keyed by chunk id into existing graph
// nodes/edges: entity_type becomes the mode of the union (ties broken by
// insertion order), description/source_id are sorted-deduplicated
// separator-joined unions, edge weight sums, and unknown edge endpoints
// get auto-generated "UNKNOWN"-typed stub nodes.
func (m *Merger) MergeAndUpsert(ctx context.Context, extractions map[string]*ChunkExtraction) ([]*model.Entity, []*model.Relationship, error) {
	entityUpdates := map[string][]*model.Entity{}
	relUpdates := map[string][]*model.Relationship{}

	for _, ex := range extractions {
		if ex == nil {
			continue
		}
		for _, e := range ex.Entities {
			entityUpdates[e.Name] = append(entityUpdates[e.Name], e)
		}
		for _, r := range ex.Relationships {
			key := pairKey(r.SrcName, r.TgtName)
			relUpdates[key] = append(relUpdates[key], r)
		}
	}

	var mergedEntities []*model.Entity
	for name, updates := range entityUpdates {
		existing, err := m.Graph.GetNode(ctx, name)
		if err != nil {
			m.logger().Error("fetch entity before merge", "entity", name, "error", err)
			continue
		}

		merged := &model.Entity{Name: name}
		var types []string
		if existing != nil {
			merged.Description = existing.Description
			merged.SourceID = existing.SourceID
			merged.Metadata = existing.Metadata
		}
		for _, u := range updates {
			types = append(types, u.EntityType)
			merged.Description = dedupJoin(merged.Description, u.Description)
			merged.SourceID = dedupJoin(merged.SourceID, u.SourceID)
		}
		existingType := ""
		if existing != nil {
			existingType = existing.EntityType
		}
		merged.EntityType = modeOfUnion(existingType, types)

		if err := m.Graph.UpsertNode(ctx, merged); err != nil {
			m.logger().Error("upsert entity", "entity", name, "error", err)
			continue
		}
		mergedEntities = append(mergedEntities, merged)
	}

	var mergedRels []*model.Relationship
	for _, updates := range relUpdates {
		src, tgt := updates[0].SrcName, updates[0].TgtName

		for _, name := range []string{src, tgt} {
			has, err := m.Graph.HasNode(ctx, name)
			if err != nil {
				m.logger().Error("check entity stub", "entity", name, "error", err)
				continue
			}
			if !has {
				if err := m.Graph.UpsertNode(ctx, &model.Entity{Name: name, EntityType: "UNKNOWN"}); err != nil {
					m.logger().Error("upsert stub entity", "entity", name, "error", err)
				}
			}
		}

		existing, err := m.Graph.GetEdge(ctx, src, tgt)
		if err != nil {
			m.logger().Error("fetch edge before merge", "src", src, "tgt", tgt, "error", err)
			continue
		}

		merged := &model.Relationship{SrcName: src, TgtName: tgt}
		if existing != nil {
			merged.Weight = existing.Weight
			merged.Description = existing.Description
			merged.Keywords = existing.Keywords
			merged.SourceID = existing.SourceID
			merged.Metadata = existing.Metadata
		}
		for _, u := range updates {
			merged.Weight += u.Weight
			merged.Description = dedupJoin(merged.Description, u.Description)
			merged.Keywords = dedupJoin(merged.Keywords, u.Keywords)
			merged.SourceID = dedupJoin(merged.SourceID, u.SourceID)
		}

		if err := m.Graph.UpsertEdge(ctx, merged); err != nil {
			m.logger().Error("upsert edge", "src", src, "tgt", tgt, "error", err)
			continue
		}
		mergedRels = append(mergedRels, merged)
	}

	return mergedEntities, mergedRels, nil
}

// IndexVectors upserts one "entities" row (content = name+description), one
// "entities_name" row (content = name) per entity, and one "relationships"
// row (content = keywords+src+tgt+description) per edge, copying metadata
// from the first chunk in each row's source_id list so graph-layer
// metadata filters stay applicable at the vector layer. embed batches the
// three populations in one call each.
func (m *Merger) IndexVectors(
	ctx context.Context,
	vecEntities, vecEntitiesName, vecRelationships storage.Vector,
	entities []*model.Entity,
	rels []*model.Relationship,
	chunkMeta map[string]model.Metadata,
) error {
	embed := m.Embed
	firstSourceMeta := func(sourceID string, extra map[string]any) model.Metadata {
		parts := strings.Split(sourceID, sourceSep)
		base := model.Metadata{}
		if len(parts) > 0 {
			for k, v := range chunkMeta[parts[0]] {
				base[k] = v
			}
		}
		for k, v := range extra {
			base[k] = v
		}
		return base
	}

	if len(entities) > 0 {
		nameDescTexts := make([]string, len(entities))
		nameTexts := make([]string, len(entities))
		for i, e := range entities {
			nameDescTexts[i] = e.Name + " " + e.Description
			nameTexts[i] = e.Name
		}
		nameDescVecs, err := embed(ctx, nameDescTexts)
		if err != nil {
			return err
		}
		nameVecs, err := embed(ctx, nameTexts)
		if err != nil {
			return err
		}

		entRows := make([]storage.VectorUpsert, len(entities))
		nameRows := make([]storage.VectorUpsert, len(entities))
		for i, e := range entities {
			meta := firstSourceMeta(e.SourceID, map[string]any{"entity_name": e.Name, "entity_type": e.EntityType})
			entRows[i] = storage.VectorUpsert{ID: ids.EntityID(e.Name), Content: nameDescTexts[i], Vector: nameDescVecs[i], Metadata: meta}
			nameRows[i] = storage.VectorUpsert{ID: ids.EntityNameID(e.Name), Content: nameTexts[i], Vector: nameVecs[i], Metadata: meta}
		}
		if err := vecEntities.Upsert(ctx, entRows); err != nil {
			return err
		}
		if err := vecEntitiesName.Upsert(ctx, nameRows); err != nil {
			return err
		}
	}

	if len(rels) > 0 {
		texts := make([]string, len(rels))
		for i, r := range rels {
			texts[i] = r.Keywords + " " + r.SrcName + " " + r.TgtName + " " + r.Description
		}
		vecs, err := embed(ctx, texts)
		if err != nil {
			return err
		}
		rows := make([]storage.VectorUpsert, len(rels))
		for i, r := range rels {
			rows[i] = storage.VectorUpsert{
				ID:      ids.RelationID(r.SrcName, r.TgtName),
				Content: texts[i],
				Vector:  vecs[i],
				Metadata: firstSourceMeta(r.SourceID, map[string]any{
					"src_name": r.SrcName,
					"tgt_name": r.TgtName,
				}),
			}
		}
		if err := vecRelationships.Upsert(ctx, rows); err != nil {
			return err
		}
	}

	return nil
}
