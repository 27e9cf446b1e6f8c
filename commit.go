package graphstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"

	"github.com/nlstn/go-graphstore/internal/history"
	"github.com/nlstn/go-graphstore/internal/journal"
	"github.com/nlstn/go-graphstore/internal/schema"
)

// writeResult is the outcome of writing one staged object.
type writeResult struct {
	version  int64
	conflict bool
	row      reflect.Value
}

func (c *Context) stagedObjects() []*managedObject {
	var staged []*managedObject
	for _, o := range c.objects {
		if o.hasChanges() {
			staged = append(staged, o)
		}
	}
	// Sorted so that writes happen in insertion order.
	for i := 1; i < len(staged); i++ {
		for j := i; j > 0 && staged[j].ref.ID < staged[j-1].ref.ID; j-- {
			staged[j], staged[j-1] = staged[j-1], staged[j]
		}
	}
	return staged
}

// commit writes every staged object in one transaction. Writer commits also
// append a journal entry and hand their change set to the merge coordinator.
func (c *Context) commit(ctx context.Context) error {
	staged := c.stagedObjects()
	if len(staged) == 0 {
		return nil
	}
	s := c.store
	if s.opts.readOnly {
		return &CommitError{Context: c.name, Op: "commit", Err: ErrReadOnly}
	}

	start := time.Now()
	ctx, span := s.obs.Tracer().StartCommit(ctx, c.name, string(c.kind), len(staged))
	defer span.End()

	err := c.commitStaged(ctx, staged)
	s.obs.Metrics().RecordCommit(ctx, string(c.kind), time.Since(start), err)
	if err != nil {
		s.obs.Tracer().RecordError(span, err)
		s.log.Warn("graphstore: commit failed", "context", c.name, "count", len(staged), "error", err)
		return err
	}
	s.log.Debug("graphstore: committed", "context", c.name, "count", len(staged))
	return nil
}

func (c *Context) commitStaged(ctx context.Context, staged []*managedObject) error {
	s := c.store
	for _, o := range staged {
		if err := s.validate.Struct(o.toRecord()); err != nil {
			return &CommitError{Context: c.name, Op: "commit", Err: fmt.Errorf("%w: %s: %v", ErrConstraintViolation, o.ref, err)}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var seq uint64
	if c.kind == kindWriter {
		seq = s.seq + 1
	}
	cs := &ChangeSet{Seq: seq, Context: c.name}
	results := make([]writeResult, len(staged))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, o := range staged {
			res, err := writeObject(tx, o)
			if err != nil {
				return err
			}
			results[i] = res
			cs.Objects = append(cs.Objects, o.change(res.version))
		}
		if seq > 0 {
			return journal.Append(tx, seq, c.name, len(staged), cs)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) && !errors.Is(err, ErrConstraintViolation) {
			err = fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
		return &CommitError{Context: c.name, Op: "commit", Err: err}
	}

	conflicts := make(map[string]int)
	for i, o := range staged {
		res := results[i]
		if res.conflict {
			o.refreshUnstaged(res.row)
			conflicts[o.entity.Name]++
		}
		changeType := history.ChangeUpdated
		if o.inserted {
			changeType = history.ChangeInserted
		}
		s.history.Record(o.entity.Name, string(o.ref.ID), c.name, o.changedNames(), changeType)
		o.version = res.version
		o.clearChanges()
	}
	for entity, n := range conflicts {
		s.obs.Metrics().RecordConflicts(ctx, entity, n)
		s.log.Debug("graphstore: resolved version conflicts", "context", c.name, "entity", entity, "count", n)
	}

	if seq > 0 {
		s.seq = seq
		s.coordinator.enqueue(cs)
	}
	return nil
}

// writeObject inserts or updates one staged object inside tx. An update whose
// registered version is stale still writes its staged properties; the row
// read here is used afterwards to refresh the properties it did not stage.
func writeObject(tx *gorm.DB, o *managedObject) (writeResult, error) {
	e := o.entity
	if o.inserted {
		if err := tx.Table(e.Table).Create(o.toRecord()).Error; err != nil {
			return writeResult{}, err
		}
		for i := range e.Relationships {
			rel := &e.Relationships[i]
			if rel.Kind == schema.ToMany && !rel.Derived() {
				if err := writeJoinRows(tx, rel, o.ref.ID, o.toMany[rel.Name]); err != nil {
					return writeResult{}, err
				}
			}
		}
		return writeResult{version: o.version}, nil
	}

	row := reflect.New(e.Record)
	result := tx.Table(e.Table).Where(fmt.Sprintf("%s = ?", e.IDColumn), string(o.ref.ID)).Limit(1).Find(row.Interface())
	if result.Error != nil {
		return writeResult{}, result.Error
	}
	if result.RowsAffected == 0 {
		return writeResult{}, fmt.Errorf("%w: %s", ErrObjectDeleted, o.ref)
	}
	current := row.Elem().FieldByName(e.VersionField).Int()

	updates := map[string]interface{}{e.VersionColumn: current + 1}
	for name := range o.dirtyAttrs {
		attr, _ := e.Attribute(name)
		updates[attr.Column] = o.attrs[name]
	}
	for name := range o.dirtyRels {
		rel, _ := e.Relationship(name)
		switch {
		case rel.Kind == schema.ToOne:
			if id := o.toOne[name]; id != "" {
				updates[rel.Column] = string(id)
			} else {
				updates[rel.Column] = nil
			}
			if rel.PositionColumn != "" {
				updates[rel.PositionColumn] = o.positions[name]
			}
		case !rel.Derived():
			if err := tx.Table(rel.JoinTable).
				Where(fmt.Sprintf("%s = ?", schema.JoinOwnerColumn), string(o.ref.ID)).
				Delete(&schema.JoinRow{}).Error; err != nil {
				return writeResult{}, err
			}
			if err := writeJoinRows(tx, rel, o.ref.ID, o.toMany[name]); err != nil {
				return writeResult{}, err
			}
		}
	}

	update := tx.Table(e.Table).
		Where(fmt.Sprintf("%s = ? AND %s = ?", e.IDColumn, e.VersionColumn), string(o.ref.ID), current).
		UpdateColumns(updates)
	if update.Error != nil {
		return writeResult{}, update.Error
	}
	if update.RowsAffected == 0 {
		return writeResult{}, fmt.Errorf("%w: %s changed during commit", ErrObjectDeleted, o.ref)
	}
	return writeResult{version: current + 1, conflict: current != o.version, row: row}, nil
}

func writeJoinRows(tx *gorm.DB, rel *schema.Relationship, owner ObjectID, targets []ObjectID) error {
	if len(targets) == 0 {
		return nil
	}
	rows := make([]schema.JoinRow, len(targets))
	for i, target := range targets {
		rows[i] = schema.JoinRow{OwnerID: string(owner), Position: i, TargetID: string(target)}
	}
	return tx.Table(rel.JoinTable).Create(&rows).Error
}

// change describes the object's staged state for the merge coordinator.
func (o *managedObject) change(version int64) ObjectChange {
	ch := ObjectChange{Ref: o.ref, Inserted: o.inserted, Version: version}
	include := func(name string) bool {
		return o.inserted || o.dirtyAttrs[name] || o.dirtyRels[name]
	}
	for name, v := range o.attrs {
		if include(name) {
			if ch.Attributes == nil {
				ch.Attributes = make(map[string]interface{})
			}
			ch.Attributes[name] = v
		}
	}
	for i := range o.entity.Relationships {
		rel := &o.entity.Relationships[i]
		if !include(rel.Name) {
			continue
		}
		switch {
		case rel.Kind == schema.ToOne:
			if ch.ToOne == nil {
				ch.ToOne = make(map[string]ObjectID)
			}
			ch.ToOne[rel.Name] = o.toOne[rel.Name]
			if rel.PositionColumn != "" {
				if ch.Positions == nil {
					ch.Positions = make(map[string]int)
				}
				ch.Positions[rel.Name] = o.positions[rel.Name]
			}
		case !rel.Derived():
			if ch.ToMany == nil {
				ch.ToMany = make(map[string][]ObjectID)
			}
			ch.ToMany[rel.Name] = append([]ObjectID(nil), o.toMany[rel.Name]...)
		}
	}
	return ch
}
