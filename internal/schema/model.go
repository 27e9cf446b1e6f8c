// Package schema describes the static entity model of a graph store: entity
// types, their attributes, relationships and the storage layout used for each.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// AttributeKind is the value kind of an attribute.
type AttributeKind int

const (
	// KindString stores Go string values.
	KindString AttributeKind = iota
	// KindInt64 stores Go int64 values.
	KindInt64
)

func (k AttributeKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Attribute describes a single scalar attribute of an entity.
type Attribute struct {
	Name     string
	Field    string
	Column   string
	Kind     AttributeKind
	Optional bool
}

// RelationshipKind distinguishes to-one from to-many relationships.
type RelationshipKind int

const (
	// ToOne references at most one target object.
	ToOne RelationshipKind = iota
	// ToMany references an ordered sequence of target objects.
	ToMany
)

// Relationship describes a link between two entities and how it is stored.
//
// A to-one relationship is stored as a reference column on the source table.
// When its inverse is an ordered to-many, the source row also stores its
// position inside that sequence. A to-many relationship is either derived from
// the inverse to-one (Inverse set, JoinTable empty) or stored in a join table
// holding owner, target and position.
type Relationship struct {
	Name           string
	Kind           RelationshipKind
	Target         string
	Inverse        string
	Ordered        bool
	Column         string
	PositionColumn string
	PositionField  string
	JoinTable      string
	Field          string
}

// Derived reports whether a to-many relationship is computed from the
// reference column of its inverse.
func (r *Relationship) Derived() bool {
	return r.Kind == ToMany && r.JoinTable == ""
}

// Entity is the schema description of one entity type.
type Entity struct {
	Name          string
	Table         string
	Record        reflect.Type
	IDField       string
	IDColumn      string
	VersionField  string
	VersionColumn string
	Attributes    []Attribute
	Relationships []Relationship

	attributes    map[string]int
	relationships map[string]int
}

// Attribute returns the named attribute.
func (e *Entity) Attribute(name string) (*Attribute, bool) {
	idx, ok := e.attributes[name]
	if !ok {
		return nil, false
	}
	return &e.Attributes[idx], true
}

// Relationship returns the named relationship.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	idx, ok := e.relationships[name]
	if !ok {
		return nil, false
	}
	return &e.Relationships[idx], true
}

// NewRecord allocates a zero record of the entity's Go type.
func (e *Entity) NewRecord() interface{} {
	return reflect.New(e.Record).Interface()
}

// JoinRow is the row layout shared by every join table.
type JoinRow struct {
	OwnerID  string `gorm:"primaryKey;size:36"`
	Position int    `gorm:"primaryKey"`
	TargetID string `gorm:"size:36;index"`
}

// Join table column names.
const (
	JoinOwnerColumn    = "owner_id"
	JoinTargetColumn   = "target_id"
	JoinPositionColumn = "position"
)

// Model is a complete, validated set of entities.
type Model struct {
	entities map[string]*Entity
	names    []string
	records  []interface{}
	hash     uint64
}

// Entity returns the named entity.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.entities[name]
	return e, ok
}

// Entities returns all entities in registration order.
func (m *Model) Entities() []*Entity {
	out := make([]*Entity, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.entities[name])
	}
	return out
}

// Records returns one zero record per entity, suitable for migration.
func (m *Model) Records() []interface{} {
	return append([]interface{}(nil), m.records...)
}

// JoinTables returns the distinct join tables used by the model, sorted.
func (m *Model) JoinTables() []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, e := range m.entities {
		for _, rel := range e.Relationships {
			if rel.JoinTable == "" {
				continue
			}
			if _, ok := seen[rel.JoinTable]; ok {
				continue
			}
			seen[rel.JoinTable] = struct{}{}
			tables = append(tables, rel.JoinTable)
		}
	}
	sort.Strings(tables)
	return tables
}

// Hash returns the model version hash. Two models with the same entities,
// attributes, relationships and storage layout hash identically.
func (m *Model) Hash() uint64 {
	return m.hash
}

// Version returns the model hash rendered as hex.
func (m *Model) Version() string {
	return fmt.Sprintf("%016x", m.hash)
}

func (m *Model) computeHash() uint64 {
	names := append([]string(nil), m.names...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		e := m.entities[name]
		fmt.Fprintf(&b, "entity %s table=%s id=%s version=%s\n", e.Name, e.Table, e.IDColumn, e.VersionColumn)
		for _, a := range e.Attributes {
			fmt.Fprintf(&b, "  attr %s column=%s kind=%s optional=%t\n", a.Name, a.Column, a.Kind, a.Optional)
		}
		for _, r := range e.Relationships {
			fmt.Fprintf(&b, "  rel %s kind=%d target=%s inverse=%s ordered=%t column=%s position=%s join=%s\n",
				r.Name, r.Kind, r.Target, r.Inverse, r.Ordered, r.Column, r.PositionColumn, r.JoinTable)
		}
	}
	return xxhash.Sum64String(b.String())
}
