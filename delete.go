package graphstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nlstn/go-graphstore/internal/history"
	"github.com/nlstn/go-graphstore/internal/journal"
	"github.com/nlstn/go-graphstore/internal/observability"
	"github.com/nlstn/go-graphstore/internal/schema"
)

// deleteChunkSize bounds the number of ids bound into one IN clause.
const deleteChunkSize = 500

// referrer is a to-one relationship that can point at a deleted entity.
type referrer struct {
	entity *schema.Entity
	rel    *schema.Relationship
}

// nullified is a referrer row whose reference was cleared by a batch delete.
type nullified struct {
	referrer
	id      ObjectID
	version int64
}

type versionRow struct {
	ID      string
	Version int64
}

func (s *Store) referrers(target string) []referrer {
	var out []referrer
	for _, e := range s.model.Entities() {
		for i := range e.Relationships {
			rel := &e.Relationships[i]
			if rel.Kind == schema.ToOne && rel.Target == target {
				out = append(out, referrer{entity: e, rel: rel})
			}
		}
	}
	return out
}

// batchDelete removes every committed row of entity matching p without
// staging. References to the removed rows are cleared in the same
// transaction.
func (c *Context) batchDelete(ctx context.Context, entity string, p *Predicate) (int64, error) {
	s := c.store
	e, ok := s.model.Entity(entity)
	if !ok {
		return 0, &CommitError{Context: c.name, Op: "batch delete", Err: fmt.Errorf("%w: %s", ErrUnknownEntity, entity)}
	}
	if s.opts.readOnly {
		return 0, &CommitError{Context: c.name, Op: "batch delete", Err: ErrReadOnly}
	}

	ctx, span := s.obs.Tracer().StartBatchDelete(ctx, c.name, entity)
	defer span.End()
	if s.obs.PredicateTracingEnabled() {
		span.SetAttributes(observabilityPredicateAttrs(p)...)
	}

	cp, err := s.compilePredicate(e, p)
	if err != nil {
		s.obs.Tracer().RecordError(span, err)
		return 0, &CommitError{Context: c.name, Op: "batch delete", Err: err}
	}

	n, err := c.deleteMatching(ctx, e, cp)
	if err != nil {
		s.obs.Tracer().RecordError(span, err)
		s.log.Warn("graphstore: batch delete failed", "context", c.name, "entity", entity, "error", err)
		return 0, &CommitError{Context: c.name, Op: "batch delete", Err: err}
	}
	span.SetAttributes(observability.DeletedCountAttr(n))
	s.obs.Metrics().RecordDeleted(ctx, entity, n)
	s.log.Debug("graphstore: batch deleted", "context", c.name, "entity", entity, "count", n)
	return n, nil
}

func (c *Context) deleteMatching(ctx context.Context, e *schema.Entity, cp *compiledPredicate) (int64, error) {
	s := c.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ids, err := c.loadIDs(ctx, e, cp)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := make(map[ObjectID]bool, len(ids))
	for _, id := range ids {
		deleted[id] = true
	}

	var seq uint64
	if c.kind == kindWriter {
		seq = s.seq + 1
	}
	refs := s.referrers(e.Name)
	var cleared []nullified
	var count int64

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += deleteChunkSize {
			end := start + deleteChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := make([]string, 0, end-start)
			for _, id := range ids[start:end] {
				chunk = append(chunk, string(id))
			}

			for _, r := range refs {
				rows, err := clearReferences(tx, r, chunk)
				if err != nil {
					return err
				}
				for _, row := range rows {
					if r.entity == e && deleted[ObjectID(row.ID)] {
						continue
					}
					cleared = append(cleared, nullified{referrer: r, id: ObjectID(row.ID), version: row.Version})
				}
			}

			if err := deleteJoinRows(tx, s.model, e, chunk); err != nil {
				return err
			}

			result := tx.Table(e.Table).Where(fmt.Sprintf("%s IN ?", e.IDColumn), chunk).Delete(e.NewRecord())
			if result.Error != nil {
				return result.Error
			}
			count += result.RowsAffected
		}
		if seq > 0 {
			return journal.Append(tx, seq, c.name, len(ids), deleteChangeSet(seq, c.name, e, ids, cleared))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.forgetDeleted(e, deleted)
	for _, n := range cleared {
		if o, ok := c.objects[n.id]; ok {
			if !o.dirtyRels[n.rel.Name] {
				o.toOne[n.rel.Name] = ""
			}
			if o.version == n.version {
				o.version++
			}
		}
		s.history.Record(n.entity.Name, string(n.id), c.name, []string{n.rel.Name}, history.ChangeUpdated)
	}
	for _, id := range ids {
		s.history.Record(e.Name, string(id), c.name, nil, history.ChangeDeleted)
	}

	if seq > 0 {
		s.seq = seq
		s.coordinator.enqueue(deleteChangeSet(seq, c.name, e, ids, cleared))
	}
	return count, nil
}

// clearReferences nulls r's column on rows pointing at ids and returns the
// affected rows with their version before the update.
func clearReferences(tx *gorm.DB, r referrer, ids []string) ([]versionRow, error) {
	var rows []versionRow
	if err := tx.Table(r.entity.Table).
		Select(fmt.Sprintf("%s AS id, %s AS version", r.entity.IDColumn, r.entity.VersionColumn)).
		Where(fmt.Sprintf("%s IN ?", r.rel.Column), ids).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	updates := map[string]interface{}{
		r.rel.Column:           nil,
		r.entity.VersionColumn: gorm.Expr(fmt.Sprintf("%s + 1", r.entity.VersionColumn)),
	}
	if r.rel.PositionColumn != "" {
		updates[r.rel.PositionColumn] = 0
	}
	err := tx.Table(r.entity.Table).
		Where(fmt.Sprintf("%s IN ?", r.rel.Column), ids).
		UpdateColumns(updates).Error
	return rows, err
}

// deleteJoinRows removes join rows owned by or pointing at ids of e.
func deleteJoinRows(tx *gorm.DB, model *schema.Model, e *schema.Entity, ids []string) error {
	for _, owner := range model.Entities() {
		for i := range owner.Relationships {
			rel := &owner.Relationships[i]
			if rel.JoinTable == "" {
				continue
			}
			if owner == e {
				if err := tx.Table(rel.JoinTable).
					Where(fmt.Sprintf("%s IN ?", schema.JoinOwnerColumn), ids).
					Delete(&schema.JoinRow{}).Error; err != nil {
					return err
				}
			}
			if rel.Target == e.Name {
				if err := tx.Table(rel.JoinTable).
					Where(fmt.Sprintf("%s IN ?", schema.JoinTargetColumn), ids).
					Delete(&schema.JoinRow{}).Error; err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func deleteChangeSet(seq uint64, contextName string, e *schema.Entity, ids []ObjectID, cleared []nullified) *ChangeSet {
	cs := &ChangeSet{Seq: seq, Context: contextName, Deleted: make([]Ref, len(ids))}
	for i, id := range ids {
		cs.Deleted[i] = Ref{Entity: e.Name, ID: id}
	}
	for _, n := range cleared {
		cs.Objects = append(cs.Objects, ObjectChange{
			Ref:     Ref{Entity: n.entity.Name, ID: n.id},
			Version: n.version + 1,
			ToOne:   map[string]ObjectID{n.rel.Name: ""},
		})
	}
	return cs
}

// forgetDeleted evicts deleted objects of e from the identity map and drops
// references to them from the objects that remain.
func (c *Context) forgetDeleted(e *schema.Entity, deleted map[ObjectID]bool) {
	for id := range deleted {
		if o, ok := c.objects[id]; ok && o.entity == e {
			delete(c.objects, id)
		}
	}
	for _, o := range c.objects {
		for i := range o.entity.Relationships {
			rel := &o.entity.Relationships[i]
			if rel.Target != e.Name {
				continue
			}
			switch {
			case rel.Kind == schema.ToOne:
				if deleted[o.toOne[rel.Name]] {
					o.toOne[rel.Name] = ""
				}
			case !rel.Derived():
				ids, ok := o.toMany[rel.Name]
				if !ok {
					continue
				}
				kept := ids[:0:0]
				for _, id := range ids {
					if !deleted[id] {
						kept = append(kept, id)
					}
				}
				o.toMany[rel.Name] = kept
			}
		}
	}
}
