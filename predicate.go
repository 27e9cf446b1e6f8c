package graphstore

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nlstn/go-graphstore/internal/observability"
	"github.com/nlstn/go-graphstore/internal/predicate"
	"github.com/nlstn/go-graphstore/internal/schema"
)

// Predicate filters objects of one entity. A nil *Predicate matches every
// object.
//
// Expressions see the entity's attributes by name, the object id as "id"
// and to-one relationships as the referenced object id (nil when unset):
//
//	graphstore.Where(`quantity != nil && quantity > 10`)
//	graphstore.WhereCEL(`cartName.startsWith("Week")`)
//	graphstore.Equal("categoryId", "c1")
type Predicate struct {
	engine string
	source string

	attribute string
	value     interface{}
}

// Where filters with an expr-lang expression.
func Where(expression string) *Predicate {
	return &Predicate{engine: predicate.EngineExpr, source: expression}
}

// WhereCEL filters with a CEL expression.
func WhereCEL(expression string) *Predicate {
	return &Predicate{engine: predicate.EngineCEL, source: expression}
}

// Equal matches objects whose attribute equals value. It is evaluated by the
// database for committed rows.
func Equal(attribute string, value interface{}) *Predicate {
	return &Predicate{attribute: attribute, value: value}
}

// String renders the predicate for logs and spans.
func (p *Predicate) String() string {
	switch {
	case p == nil:
		return ""
	case p.attribute != "":
		return fmt.Sprintf("%s == %v", p.attribute, p.value)
	default:
		return p.source
	}
}

func (p *Predicate) engineName() string {
	if p == nil || p.attribute != "" {
		return "equal"
	}
	return p.engine
}

func observabilityPredicateAttrs(p *Predicate) []attribute.KeyValue {
	return observability.PredicateAttrs(p.engineName(), p.String())
}

// compiledPredicate is a predicate bound to one entity.
type compiledPredicate struct {
	program predicate.Program
	column  string
	attr    string
	value   interface{}
}

func (s *Store) compilePredicate(entity *schema.Entity, p *Predicate) (*compiledPredicate, error) {
	if p == nil {
		return &compiledPredicate{}, nil
	}
	if p.attribute != "" {
		attr, ok := entity.Attribute(p.attribute)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, entity.Name, p.attribute)
		}
		value, err := normalizeValue(attr, p.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
		}
		return &compiledPredicate{column: attr.Column, attr: attr.Name, value: value}, nil
	}
	program, err := s.predicates.Compile(p.engine, p.source, predicateVariables(entity))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, err)
	}
	return &compiledPredicate{program: program}, nil
}

func (cp *compiledPredicate) match(o *managedObject) (bool, error) {
	switch {
	case cp.attr != "":
		return o.attrs[cp.attr] == cp.value, nil
	case cp.program != nil:
		ok, err := cp.program.Match(o.predicateVars())
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidPredicate, err)
		}
		return ok, nil
	default:
		return true, nil
	}
}
