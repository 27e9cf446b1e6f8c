package graphstore

import (
	"github.com/nlstn/go-graphstore/internal/history"
	"github.com/nlstn/go-graphstore/internal/observability"
	"github.com/nlstn/go-graphstore/internal/schema"
)

// Model describes the entities, attributes and relationships a store
// persists. Build one with NewModel.
type Model = schema.Model

// Entity is one entity of a Model.
type Entity = schema.Entity

// Attribute is one attribute of an Entity.
type Attribute = schema.Attribute

// Relationship is one relationship of an Entity.
type Relationship = schema.Relationship

// ChangeEvent is one change recorded in an entity's history.
type ChangeEvent = history.Event

// ChangeType is the kind of a ChangeEvent.
type ChangeType = history.ChangeType

const (
	ChangeInserted = history.ChangeInserted
	ChangeUpdated  = history.ChangeUpdated
	ChangeDeleted  = history.ChangeDeleted
)

// Tracer opens the store's spans for code building on the store.
type Tracer = observability.Tracer

// NewModel analyzes records, pointers to GORM structs carrying graph tags,
// into a Model.
//
// Example:
//
//	model, err := graphstore.NewModel(&Category{}, &Product{})
//	if err != nil {
//	    return err
//	}
//	store, err := graphstore.Open(model, path)
func NewModel(records ...interface{}) (*Model, error) {
	return schema.Analyze(nil, records...)
}
