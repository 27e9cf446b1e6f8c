package graphstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/nlstn/go-graphstore/internal/schema"
)

// Session is the handle a task uses to work with its Context. It is valid
// only while the task runs; afterwards every method fails with
// ErrSessionClosed.
type Session struct {
	ctx    context.Context
	c      *Context
	closed atomic.Bool
}

// Context returns the context.Context of the running task. Pass it to
// PerformAndWait on the same Context to run nested work inline.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Name returns the name of the Session's Context.
func (s *Session) Name() string {
	return s.c.name
}

func (s *Session) check() error {
	if s == nil || s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) entity(name string) (*schema.Entity, error) {
	e, ok := s.c.store.model.Entity(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return e, nil
}

// Insert stages a new object and returns its ref. Attributes not listed in
// attrs start at their zero value; optional attributes start absent.
func (s *Session) Insert(entity string, attrs Attrs) (Ref, error) {
	if err := s.check(); err != nil {
		return Ref{}, err
	}
	e, err := s.entity(entity)
	if err != nil {
		return Ref{}, err
	}
	id, err := newObjectID()
	if err != nil {
		return Ref{}, err
	}
	o := newManagedObject(e, id)
	o.inserted = true
	o.version = 1
	for i := range e.Attributes {
		o.attrs[e.Attributes[i].Name] = zeroValue(&e.Attributes[i])
	}
	if err := s.applyAttributes(o, attrs); err != nil {
		return Ref{}, err
	}
	for i := range e.Relationships {
		rel := &e.Relationships[i]
		switch {
		case rel.Kind == schema.ToOne:
			o.toOne[rel.Name] = ""
		case !rel.Derived():
			o.toMany[rel.Name] = nil
		}
	}
	s.c.objects[id] = o
	return o.ref, nil
}

// SetAttributes stages attribute values on an object.
func (s *Session) SetAttributes(ref Ref, attrs Attrs) error {
	if err := s.check(); err != nil {
		return err
	}
	o, err := s.c.fault(s.ctx, ref)
	if err != nil {
		return err
	}
	return s.applyAttributes(o, attrs)
}

func (s *Session) applyAttributes(o *managedObject, attrs Attrs) error {
	normalized := make(map[string]interface{}, len(attrs))
	for name, value := range attrs {
		attr, ok := o.entity.Attribute(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, o.entity.Name, name)
		}
		v, err := normalizeValue(attr, value)
		if err != nil {
			return err
		}
		normalized[name] = v
	}
	for name, v := range normalized {
		o.attrs[name] = v
		o.dirtyAttrs[name] = true
	}
	return nil
}

func (s *Session) relationship(e *schema.Entity, name string) (*schema.Relationship, error) {
	rel, ok := e.Relationship(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, e.Name, name)
	}
	return rel, nil
}

func (s *Session) checkTarget(rel *schema.Relationship, target Ref) (*managedObject, error) {
	if target.Entity != rel.Target {
		return nil, fmt.Errorf("%w: %s expects %s, got %s", ErrConstraintViolation, rel.Name, rel.Target, target.Entity)
	}
	return s.c.fault(s.ctx, target)
}

// SetRelationship stages one edge. For a to-one relationship target replaces
// the current value; a zero target clears it. For a to-many relationship
// target is appended to the ordered sequence.
func (s *Session) SetRelationship(ref Ref, name string, target Ref) error {
	if err := s.check(); err != nil {
		return err
	}
	o, err := s.c.fault(s.ctx, ref)
	if err != nil {
		return err
	}
	rel, err := s.relationship(o.entity, name)
	if err != nil {
		return err
	}

	switch {
	case rel.Kind == schema.ToOne:
		if target.IsZero() {
			o.toOne[rel.Name] = ""
			o.dirtyRels[rel.Name] = true
			return nil
		}
		t, err := s.checkTarget(rel, target)
		if err != nil {
			return err
		}
		return s.c.link(s.ctx, o, rel, t)
	case rel.Derived():
		t, err := s.checkTarget(rel, target)
		if err != nil {
			return err
		}
		inverse, _ := t.entity.Relationship(rel.Inverse)
		return s.c.link(s.ctx, t, inverse, o)
	default:
		if _, err := s.checkTarget(rel, target); err != nil {
			return err
		}
		current, err := s.c.joinList(s.ctx, o, rel)
		if err != nil {
			return err
		}
		o.toMany[rel.Name] = append(append([]ObjectID(nil), current...), target.ID)
		o.dirtyRels[rel.Name] = true
		return nil
	}
}

// SetOrderedRelationship stages the complete ordered sequence of a to-many
// relationship.
func (s *Session) SetOrderedRelationship(ref Ref, name string, targets []Ref) error {
	if err := s.check(); err != nil {
		return err
	}
	o, err := s.c.fault(s.ctx, ref)
	if err != nil {
		return err
	}
	rel, err := s.relationship(o.entity, name)
	if err != nil {
		return err
	}
	if rel.Kind != schema.ToMany {
		return fmt.Errorf("%w: %s.%s is a to-one relationship", ErrUnknownRelationship, o.entity.Name, name)
	}

	members := make([]*managedObject, 0, len(targets))
	ids := make([]ObjectID, 0, len(targets))
	for _, target := range targets {
		t, err := s.checkTarget(rel, target)
		if err != nil {
			return err
		}
		members = append(members, t)
		ids = append(ids, t.ref.ID)
	}

	if !rel.Derived() {
		o.toMany[rel.Name] = ids
		o.dirtyRels[rel.Name] = true
		return nil
	}

	target, _ := s.c.store.model.Entity(rel.Target)
	inverse, _ := target.Relationship(rel.Inverse)
	current, err := s.c.derivedList(s.ctx, o, rel)
	if err != nil {
		return err
	}
	keep := make(map[ObjectID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for _, id := range current {
		if keep[id] {
			continue
		}
		m, err := s.c.fault(s.ctx, Ref{Entity: rel.Target, ID: id})
		if err != nil {
			return err
		}
		m.toOne[inverse.Name] = ""
		m.dirtyRels[inverse.Name] = true
	}
	for i, m := range members {
		m.toOne[inverse.Name] = o.ref.ID
		if inverse.PositionColumn != "" {
			m.positions[inverse.Name] = i
		}
		m.dirtyRels[inverse.Name] = true
	}
	return nil
}

// Object returns a snapshot of the object as this Context sees it.
func (s *Session) Object(ref Ref) (*Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	o, err := s.c.fault(s.ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.snapshot(), nil
}

// Related returns the refs an object's relationship points at, in order.
func (s *Session) Related(ref Ref, name string) ([]Ref, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	o, err := s.c.fault(s.ctx, ref)
	if err != nil {
		return nil, err
	}
	rel, err := s.relationship(o.entity, name)
	if err != nil {
		return nil, err
	}

	var ids []ObjectID
	switch {
	case rel.Kind == schema.ToOne:
		if id := o.toOne[rel.Name]; id != "" {
			ids = []ObjectID{id}
		}
	case rel.Derived():
		ids, err = s.c.derivedList(s.ctx, o, rel)
	default:
		ids, err = s.c.joinList(s.ctx, o, rel)
	}
	if err != nil {
		return nil, &QueryError{Entity: o.entity.Name, Err: err}
	}
	refs := make([]Ref, len(ids))
	for i, id := range ids {
		refs[i] = Ref{Entity: rel.Target, ID: id}
	}
	return refs, nil
}

// Query returns the refs of entity objects matching p, ordered by object id.
// Committed rows and this Context's staged objects are visible; objects
// staged in other Contexts are not.
func (s *Session) Query(entity string, p *Predicate) ([]Ref, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	objects, err := s.c.query(s.ctx, entity, p)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, len(objects))
	for i, o := range objects {
		refs[i] = o.ref
	}
	return refs, nil
}

// Count returns the number of entity objects matching p.
func (s *Session) Count(entity string, p *Predicate) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	objects, err := s.c.query(s.ctx, entity, p)
	if err != nil {
		return 0, err
	}
	return len(objects), nil
}

// HasChanges reports whether the Context has staged changes.
func (s *Session) HasChanges() bool {
	if s.check() != nil {
		return false
	}
	return s.c.hasChanges()
}

// Commit persists every staged change atomically. Committing with nothing
// staged succeeds immediately. On failure a *CommitError is returned and the
// staged changes are kept.
func (s *Session) Commit() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.c.commit(s.ctx)
}

// Reset discards staged changes and forgets every registered object.
func (s *Session) Reset() {
	if s.check() != nil {
		return
	}
	s.c.reset()
}

// BatchDelete deletes entity rows matching p directly in the store and
// returns how many were removed. The predicate is evaluated against
// committed values.
func (s *Session) BatchDelete(entity string, p *Predicate) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.c.batchDelete(s.ctx, entity, p)
}

func (c *Context) hasChanges() bool {
	for _, o := range c.objects {
		if o.hasChanges() {
			return true
		}
	}
	return false
}

func (c *Context) reset() {
	c.objects = make(map[ObjectID]*managedObject)
}

// fault returns the registered object for ref, loading it from the store on
// first use.
func (c *Context) fault(ctx context.Context, ref Ref) (*managedObject, error) {
	e, ok := c.store.model.Entity(ref.Entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, ref.Entity)
	}
	if o, ok := c.objects[ref.ID]; ok {
		if o.entity != e {
			return nil, fmt.Errorf("%w: %s is a %s", ErrUnknownEntity, ref.ID, o.entity.Name)
		}
		return o, nil
	}
	rec := reflect.New(e.Record)
	result := c.store.db.WithContext(ctx).Table(e.Table).
		Where(fmt.Sprintf("%s = ?", e.IDColumn), string(ref.ID)).
		Limit(1).Find(rec.Interface())
	if result.Error != nil {
		return nil, &QueryError{Entity: e.Name, Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrObjectDeleted, ref)
	}
	return c.register(e, rec), nil
}

func (c *Context) register(e *schema.Entity, rec reflect.Value) *managedObject {
	id := recordID(e, rec)
	if o, ok := c.objects[id]; ok {
		return o
	}
	o := newManagedObject(e, id)
	o.loadRecord(rec)
	c.objects[id] = o
	return o
}

// link points o's to-one rel at t. With an ordered inverse, o moves to the
// end of t's sequence.
func (c *Context) link(ctx context.Context, o *managedObject, rel *schema.Relationship, t *managedObject) error {
	if rel.PositionColumn != "" && o.toOne[rel.Name] != t.ref.ID {
		inverse, _ := t.entity.Relationship(rel.Inverse)
		members, err := c.derivedMembers(ctx, t, inverse)
		if err != nil {
			return err
		}
		next := 0
		for _, m := range members {
			if m.id != o.ref.ID && m.pos >= next {
				next = m.pos + 1
			}
		}
		o.positions[rel.Name] = next
	}
	o.toOne[rel.Name] = t.ref.ID
	o.dirtyRels[rel.Name] = true
	return nil
}

// joinList returns a join-table relationship's targets, loading them once.
func (c *Context) joinList(ctx context.Context, o *managedObject, rel *schema.Relationship) ([]ObjectID, error) {
	if ids, ok := o.toMany[rel.Name]; ok {
		return ids, nil
	}
	var raw []string
	if err := c.store.db.WithContext(ctx).Table(rel.JoinTable).
		Where(fmt.Sprintf("%s = ?", schema.JoinOwnerColumn), string(o.ref.ID)).
		Order(schema.JoinPositionColumn).
		Pluck(schema.JoinTargetColumn, &raw).Error; err != nil {
		return nil, err
	}
	ids := make([]ObjectID, len(raw))
	for i, id := range raw {
		ids[i] = ObjectID(id)
	}
	o.toMany[rel.Name] = ids
	return ids, nil
}

type memberRow struct {
	ID  string
	Pos int
}

type member struct {
	id  ObjectID
	pos int
}

// derivedList computes a to-many relationship from its inverse to-one
// column, overlaying the Context's registered objects on committed rows.
func (c *Context) derivedList(ctx context.Context, owner *managedObject, rel *schema.Relationship) ([]ObjectID, error) {
	members, err := c.derivedMembers(ctx, owner, rel)
	if err != nil {
		return nil, err
	}
	ids := make([]ObjectID, len(members))
	for i, m := range members {
		ids[i] = m.id
	}
	return ids, nil
}

func (c *Context) derivedMembers(ctx context.Context, owner *managedObject, rel *schema.Relationship) ([]member, error) {
	target, _ := c.store.model.Entity(rel.Target)
	inverse, _ := target.Relationship(rel.Inverse)

	pos := "0"
	if inverse.PositionColumn != "" {
		pos = inverse.PositionColumn
	}
	var rows []memberRow
	if err := c.store.db.WithContext(ctx).Table(target.Table).
		Select(fmt.Sprintf("%s AS id, %s AS pos", target.IDColumn, pos)).
		Where(fmt.Sprintf("%s = ?", inverse.Column), string(owner.ref.ID)).
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	members := make([]member, 0, len(rows))
	for _, row := range rows {
		id := ObjectID(row.ID)
		if _, registered := c.objects[id]; registered {
			continue
		}
		members = append(members, member{id: id, pos: row.Pos})
	}
	for id, o := range c.objects {
		if o.entity == target && o.toOne[inverse.Name] == owner.ref.ID {
			members = append(members, member{id: id, pos: o.positions[inverse.Name]})
		}
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].pos != members[j].pos {
			return members[i].pos < members[j].pos
		}
		return members[i].id < members[j].id
	})
	return members, nil
}
