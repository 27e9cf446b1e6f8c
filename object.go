package graphstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nlstn/go-graphstore/internal/schema"
)

// ObjectID identifies a stored object. IDs are UUIDv7 strings, so sorting
// them yields insertion order.
type ObjectID string

func newObjectID() (ObjectID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return ObjectID(id.String()), nil
}

// Ref references one object of an entity.
type Ref struct {
	Entity string   `json:"entity"`
	ID     ObjectID `json:"id"`
}

// IsZero reports whether r references nothing.
func (r Ref) IsZero() bool {
	return r.ID == ""
}

func (r Ref) String() string {
	return fmt.Sprintf("%s(%s)", r.Entity, r.ID)
}

// ParseRef parses the form produced by Ref.String, such as
// "Category(0190b1e2-...)".
func ParseRef(s string) (Ref, error) {
	paren := strings.IndexByte(s, '(')
	if paren <= 0 || !strings.HasSuffix(s, ")") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	entity, id := s[:paren], s[paren+1:len(s)-1]
	if strings.TrimSpace(entity) != entity || id == "" || strings.ContainsAny(id, "()") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Entity: entity, ID: ObjectID(id)}, nil
}

// Attrs holds attribute values keyed by attribute name. String attributes
// take string values, integer attributes int64 values. A nil value clears an
// optional attribute.
type Attrs map[string]interface{}

// Object is a snapshot of an object as seen by one Context.
type Object struct {
	Ref        Ref
	Attributes Attrs
	ToOne      map[string]Ref
	Version    int64
}

// String returns a string attribute, or "" when unset.
func (o *Object) String(name string) string {
	s, _ := o.Attributes[name].(string)
	return s
}

// Int64 returns an integer attribute and whether it is present.
func (o *Object) Int64(name string) (int64, bool) {
	v, ok := o.Attributes[name].(int64)
	return v, ok
}

// managedObject is a Context's registered view of one object.
type managedObject struct {
	ref      Ref
	entity   *schema.Entity
	version  int64
	inserted bool

	attrs     map[string]interface{}
	toOne     map[string]ObjectID
	positions map[string]int
	toMany    map[string][]ObjectID

	dirtyAttrs map[string]bool
	dirtyRels  map[string]bool
}

func newManagedObject(entity *schema.Entity, id ObjectID) *managedObject {
	return &managedObject{
		ref:        Ref{Entity: entity.Name, ID: id},
		entity:     entity,
		attrs:      make(map[string]interface{}, len(entity.Attributes)),
		toOne:      make(map[string]ObjectID),
		positions:  make(map[string]int),
		toMany:     make(map[string][]ObjectID),
		dirtyAttrs: make(map[string]bool),
		dirtyRels:  make(map[string]bool),
	}
}

func (o *managedObject) hasChanges() bool {
	return o.inserted || len(o.dirtyAttrs) > 0 || len(o.dirtyRels) > 0
}

func (o *managedObject) clearChanges() {
	o.inserted = false
	o.dirtyAttrs = make(map[string]bool)
	o.dirtyRels = make(map[string]bool)
}

// changedNames lists staged attribute and relationship names, sorted.
func (o *managedObject) changedNames() []string {
	names := make([]string, 0, len(o.dirtyAttrs)+len(o.dirtyRels))
	for name := range o.dirtyAttrs {
		names = append(names, name)
	}
	for name := range o.dirtyRels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *managedObject) snapshot() *Object {
	out := &Object{
		Ref:        o.ref,
		Attributes: make(Attrs, len(o.attrs)),
		ToOne:      make(map[string]Ref),
		Version:    o.version,
	}
	for k, v := range o.attrs {
		out.Attributes[k] = v
	}
	for i := range o.entity.Relationships {
		rel := &o.entity.Relationships[i]
		if rel.Kind != schema.ToOne {
			continue
		}
		if id := o.toOne[rel.Name]; id != "" {
			out.ToOne[rel.Name] = Ref{Entity: rel.Target, ID: id}
		}
	}
	return out
}

// predicateVars exposes the object to predicate programs: attributes by name,
// "id", and to-one references as target ids (nil when unset).
func (o *managedObject) predicateVars() map[string]interface{} {
	vars := make(map[string]interface{}, len(o.attrs)+len(o.toOne)+1)
	for k, v := range o.attrs {
		vars[k] = v
	}
	for i := range o.entity.Relationships {
		rel := &o.entity.Relationships[i]
		if rel.Kind != schema.ToOne {
			continue
		}
		if id := o.toOne[rel.Name]; id != "" {
			vars[rel.Name] = string(id)
		} else {
			vars[rel.Name] = nil
		}
	}
	vars["id"] = string(o.ref.ID)
	return vars
}

func predicateVariables(entity *schema.Entity) []string {
	names := []string{"id"}
	for _, attr := range entity.Attributes {
		names = append(names, attr.Name)
	}
	for _, rel := range entity.Relationships {
		if rel.Kind == schema.ToOne {
			names = append(names, rel.Name)
		}
	}
	return names
}

// normalizeValue converts v to the representation used for attr.
func normalizeValue(attr *schema.Attribute, v interface{}) (interface{}, error) {
	if v == nil {
		if !attr.Optional {
			return nil, fmt.Errorf("%w: %s is required", ErrConstraintViolation, attr.Name)
		}
		return nil, nil
	}
	switch attr.Kind {
	case schema.KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case *string:
			if s == nil {
				return normalizeValue(attr, nil)
			}
			return *s, nil
		}
	case schema.KindInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case *int64:
			if n == nil {
				return normalizeValue(attr, nil)
			}
			return *n, nil
		case *int:
			if n == nil {
				return normalizeValue(attr, nil)
			}
			return int64(*n), nil
		}
	}
	return nil, fmt.Errorf("%w: %s expects %s, got %T", ErrConstraintViolation, attr.Name, attr.Kind, v)
}

func zeroValue(attr *schema.Attribute) interface{} {
	if attr.Optional {
		return nil
	}
	if attr.Kind == schema.KindInt64 {
		return int64(0)
	}
	return ""
}

// toRecord renders the object into a pointer to its GORM record.
func (o *managedObject) toRecord() interface{} {
	ptr := reflect.New(o.entity.Record)
	rv := ptr.Elem()
	e := o.entity

	rv.FieldByName(e.IDField).SetString(string(o.ref.ID))
	rv.FieldByName(e.VersionField).SetInt(o.version)

	for i := range e.Attributes {
		attr := &e.Attributes[i]
		field := rv.FieldByName(attr.Field)
		value := o.attrs[attr.Name]
		if field.Kind() == reflect.Ptr {
			if value == nil {
				continue
			}
			n := value.(int64)
			field.Set(reflect.ValueOf(&n))
			continue
		}
		if value == nil {
			continue
		}
		field.Set(reflect.ValueOf(value))
	}

	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.Kind != schema.ToOne {
			continue
		}
		if id := o.toOne[rel.Name]; id != "" {
			s := string(id)
			rv.FieldByName(rel.Field).Set(reflect.ValueOf(&s))
		}
		if rel.PositionField != "" {
			rv.FieldByName(rel.PositionField).SetInt(int64(o.positions[rel.Name]))
		}
	}
	return ptr.Interface()
}

// loadRecord fills the object's committed state from a record value.
func (o *managedObject) loadRecord(rv reflect.Value) {
	rv = reflect.Indirect(rv)
	e := o.entity
	o.version = rv.FieldByName(e.VersionField).Int()
	for i := range e.Attributes {
		o.refreshAttribute(&e.Attributes[i], rv)
	}
	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.Kind == schema.ToOne {
			o.refreshToOne(rel, rv)
		}
	}
}

func (o *managedObject) refreshAttribute(attr *schema.Attribute, rv reflect.Value) {
	field := rv.FieldByName(attr.Field)
	switch {
	case field.Kind() == reflect.Ptr && field.IsNil():
		o.attrs[attr.Name] = nil
	case field.Kind() == reflect.Ptr:
		o.attrs[attr.Name] = field.Elem().Int()
	case attr.Kind == schema.KindInt64:
		o.attrs[attr.Name] = field.Int()
	default:
		o.attrs[attr.Name] = field.String()
	}
}

func (o *managedObject) refreshToOne(rel *schema.Relationship, rv reflect.Value) {
	field := rv.FieldByName(rel.Field)
	if field.IsNil() {
		o.toOne[rel.Name] = ""
	} else {
		o.toOne[rel.Name] = ObjectID(field.Elem().String())
	}
	if rel.PositionField != "" {
		o.positions[rel.Name] = int(rv.FieldByName(rel.PositionField).Int())
	}
}

// refreshUnstaged copies every property not staged in o from a freshly read
// row. Staged properties keep their values.
func (o *managedObject) refreshUnstaged(rv reflect.Value) {
	rv = reflect.Indirect(rv)
	e := o.entity
	for i := range e.Attributes {
		attr := &e.Attributes[i]
		if !o.dirtyAttrs[attr.Name] {
			o.refreshAttribute(attr, rv)
		}
	}
	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.Kind == schema.ToOne && !o.dirtyRels[rel.Name] {
			o.refreshToOne(rel, rv)
		}
	}
}

func recordID(entity *schema.Entity, rv reflect.Value) ObjectID {
	return ObjectID(reflect.Indirect(rv).FieldByName(entity.IDField).String())
}

func sortIDs(ids []ObjectID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
