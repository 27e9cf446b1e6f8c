package graphstore

import (
	"context"
	"fmt"
	"reflect"

	"github.com/nlstn/go-graphstore/internal/schema"
)

// query evaluates p over committed rows and the Context's registered objects.
// Registered objects are judged by this Context's view of them.
func (c *Context) query(ctx context.Context, entity string, p *Predicate) ([]*managedObject, error) {
	e, ok := c.store.model.Entity(entity)
	if !ok {
		return nil, &QueryError{Entity: entity, Err: ErrUnknownEntity}
	}

	ctx, span := c.store.obs.Tracer().StartQuery(ctx, c.name, entity)
	defer span.End()
	if c.store.obs.PredicateTracingEnabled() {
		span.SetAttributes(observabilityPredicateAttrs(p)...)
	}

	cp, err := c.store.compilePredicate(e, p)
	if err != nil {
		c.store.obs.Tracer().RecordError(span, err)
		return nil, &QueryError{Entity: entity, Err: err}
	}

	rows, err := c.loadRows(ctx, e, cp)
	if err != nil {
		c.store.obs.Tracer().RecordError(span, err)
		return nil, &QueryError{Entity: entity, Err: err}
	}

	candidates := make(map[ObjectID]*managedObject)
	for i := 0; i < rows.Len(); i++ {
		rv := rows.Index(i)
		id := recordID(e, rv)
		if _, registered := c.objects[id]; registered {
			continue
		}
		o := newManagedObject(e, id)
		o.loadRecord(rv)
		candidates[id] = o
	}
	for id, o := range c.objects {
		if o.entity == e {
			candidates[id] = o
		}
	}

	ids := make([]ObjectID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sortIDs(ids)

	out := make([]*managedObject, 0, len(ids))
	for _, id := range ids {
		o := candidates[id]
		ok, err := cp.match(o)
		if err != nil {
			c.store.obs.Tracer().RecordError(span, err)
			return nil, &QueryError{Entity: entity, Err: err}
		}
		if ok {
			out = append(out, o)
		}
	}
	c.store.obs.Metrics().RecordResultCount(ctx, entity, len(out))
	return out, nil
}

// loadRows reads committed rows of e, narrowed in SQL when the predicate
// allows it.
func (c *Context) loadRows(ctx context.Context, e *schema.Entity, cp *compiledPredicate) (reflect.Value, error) {
	rows := reflect.New(reflect.SliceOf(e.Record))
	db := c.store.db.WithContext(ctx).Table(e.Table)
	if cp.column != "" {
		if cp.value == nil {
			db = db.Where(fmt.Sprintf("%s IS NULL", cp.column))
		} else {
			db = db.Where(fmt.Sprintf("%s = ?", cp.column), cp.value)
		}
	}
	if err := db.Order(e.IDColumn).Find(rows.Interface()).Error; err != nil {
		return reflect.Value{}, err
	}
	return rows.Elem(), nil
}

// loadIDs returns the ids of committed rows of e matching cp.
func (c *Context) loadIDs(ctx context.Context, e *schema.Entity, cp *compiledPredicate) ([]ObjectID, error) {
	if cp.program == nil {
		var raw []string
		db := c.store.db.WithContext(ctx).Table(e.Table)
		if cp.column != "" {
			if cp.value == nil {
				db = db.Where(fmt.Sprintf("%s IS NULL", cp.column))
			} else {
				db = db.Where(fmt.Sprintf("%s = ?", cp.column), cp.value)
			}
		}
		if err := db.Order(e.IDColumn).Pluck(e.IDColumn, &raw).Error; err != nil {
			return nil, err
		}
		ids := make([]ObjectID, len(raw))
		for i, id := range raw {
			ids[i] = ObjectID(id)
		}
		return ids, nil
	}

	rows, err := c.loadRows(ctx, e, cp)
	if err != nil {
		return nil, err
	}
	var ids []ObjectID
	for i := 0; i < rows.Len(); i++ {
		rv := rows.Index(i)
		o := newManagedObject(e, recordID(e, rv))
		o.loadRecord(rv)
		ok, err := cp.match(o)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, o.ref.ID)
		}
	}
	sortIDs(ids)
	return ids, nil
}
