package schema

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	gormschema "gorm.io/gorm/schema"
)

// TagName is the struct tag carrying graph semantics.
const TagName = "graph"

var (
	stringType   = reflect.TypeOf("")
	int64Type    = reflect.TypeOf(int64(0))
	int64PtrType = reflect.TypeOf((*int64)(nil))
	stringPtr    = reflect.TypeOf((*string)(nil))
	intType      = reflect.TypeOf(0)
)

// Analyze builds a Model from tagged record structs. Column and table names are
// resolved through GORM's schema parser so that they match what the migrator
// creates.
//
// Recognised `graph` tag parts:
//
//	id                      object id column (string)
//	version                 version counter column (int64)
//	attr=<name>[,optional]  scalar attribute (string, int64 or *int64)
//	toOne=<name>,target=<Entity>[,inverse=<name>]
//	position=<toOne name>   position of the row inside the ordered inverse
//	toMany=<name>,target=<Entity>[,inverse=<name>][,ordered][,join=<table>]
func Analyze(namer gormschema.Namer, records ...interface{}) (*Model, error) {
	if namer == nil {
		namer = gormschema.NamingStrategy{}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("schema: at least one entity record is required")
	}

	cache := &sync.Map{}
	m := &Model{entities: make(map[string]*Entity)}

	for _, record := range records {
		entity, err := analyzeRecord(record, cache, namer)
		if err != nil {
			return nil, err
		}
		if _, exists := m.entities[entity.Name]; exists {
			return nil, fmt.Errorf("schema: entity %s registered twice", entity.Name)
		}
		m.entities[entity.Name] = entity
		m.names = append(m.names, entity.Name)
		m.records = append(m.records, entity.NewRecord())
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	m.hash = m.computeHash()
	return m, nil
}

func analyzeRecord(record interface{}, cache *sync.Map, namer gormschema.Namer) (*Entity, error) {
	recordType := reflect.TypeOf(record)
	if recordType == nil {
		return nil, fmt.Errorf("schema: nil record")
	}
	if recordType.Kind() == reflect.Ptr {
		recordType = recordType.Elem()
	}
	if recordType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: record must be a struct, got %s", recordType.Kind())
	}

	parsed, err := gormschema.Parse(reflect.New(recordType).Interface(), cache, namer)
	if err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", recordType.Name(), err)
	}

	entity := &Entity{
		Name:          recordType.Name(),
		Table:         parsed.Table,
		Record:        recordType,
		attributes:    make(map[string]int),
		relationships: make(map[string]int),
	}

	type position struct{ column, field string }
	positions := make(map[string]position)

	for i := 0; i < recordType.NumField(); i++ {
		field := recordType.Field(i)
		if !field.IsExported() {
			continue
		}
		tag, ok := field.Tag.Lookup(TagName)
		if !ok || tag == "" {
			continue
		}
		parts := parseTag(tag)

		column := ""
		if f := parsed.LookUpField(field.Name); f != nil {
			column = f.DBName
		}

		switch {
		case parts.has("id"):
			if field.Type != stringType {
				return nil, fmt.Errorf("schema: %s.%s: id field must be a string", entity.Name, field.Name)
			}
			entity.IDField = field.Name
			entity.IDColumn = column
		case parts.has("version"):
			if field.Type != int64Type {
				return nil, fmt.Errorf("schema: %s.%s: version field must be int64", entity.Name, field.Name)
			}
			entity.VersionField = field.Name
			entity.VersionColumn = column
		case parts.value("attr") != "":
			attr, err := analyzeAttribute(entity.Name, field, column, parts)
			if err != nil {
				return nil, err
			}
			entity.attributes[attr.Name] = len(entity.Attributes)
			entity.Attributes = append(entity.Attributes, attr)
		case parts.value("toOne") != "":
			if field.Type != stringPtr {
				return nil, fmt.Errorf("schema: %s.%s: to-one field must be *string", entity.Name, field.Name)
			}
			rel := Relationship{
				Name:    parts.value("toOne"),
				Kind:    ToOne,
				Target:  parts.value("target"),
				Inverse: parts.value("inverse"),
				Column:  column,
				Field:   field.Name,
			}
			entity.relationships[rel.Name] = len(entity.Relationships)
			entity.Relationships = append(entity.Relationships, rel)
		case parts.value("position") != "":
			if field.Type != intType {
				return nil, fmt.Errorf("schema: %s.%s: position field must be int", entity.Name, field.Name)
			}
			positions[parts.value("position")] = position{column: column, field: field.Name}
		case parts.value("toMany") != "":
			rel := Relationship{
				Name:      parts.value("toMany"),
				Kind:      ToMany,
				Target:    parts.value("target"),
				Inverse:   parts.value("inverse"),
				Ordered:   parts.has("ordered"),
				JoinTable: parts.value("join"),
				Field:     field.Name,
			}
			entity.relationships[rel.Name] = len(entity.Relationships)
			entity.Relationships = append(entity.Relationships, rel)
		default:
			return nil, fmt.Errorf("schema: %s.%s: unrecognised graph tag %q", entity.Name, field.Name, tag)
		}
	}

	for relName, pos := range positions {
		idx, ok := entity.relationships[relName]
		if !ok || entity.Relationships[idx].Kind != ToOne {
			return nil, fmt.Errorf("schema: %s: position column for unknown to-one %q", entity.Name, relName)
		}
		entity.Relationships[idx].PositionColumn = pos.column
		entity.Relationships[idx].PositionField = pos.field
	}

	if entity.IDColumn == "" {
		return nil, fmt.Errorf("schema: entity %s must declare an id field (graph:\"id\")", entity.Name)
	}
	if entity.VersionColumn == "" {
		return nil, fmt.Errorf("schema: entity %s must declare a version field (graph:\"version\")", entity.Name)
	}

	return entity, nil
}

func analyzeAttribute(entityName string, field reflect.StructField, column string, parts tagParts) (Attribute, error) {
	attr := Attribute{
		Name:     parts.value("attr"),
		Field:    field.Name,
		Column:   column,
		Optional: parts.has("optional"),
	}
	switch field.Type {
	case stringType:
		attr.Kind = KindString
	case int64Type:
		attr.Kind = KindInt64
	case int64PtrType:
		attr.Kind = KindInt64
		attr.Optional = true
	default:
		return Attribute{}, fmt.Errorf("schema: %s.%s: unsupported attribute type %s", entityName, field.Name, field.Type)
	}
	if attr.Optional && field.Type.Kind() != reflect.Ptr {
		return Attribute{}, fmt.Errorf("schema: %s.%s: optional attributes must be pointers", entityName, field.Name)
	}
	if column == "" {
		return Attribute{}, fmt.Errorf("schema: %s.%s: attribute has no column", entityName, field.Name)
	}
	return attr, nil
}

// validate checks relationship targets and inverse consistency.
func (m *Model) validate() error {
	for _, name := range m.names {
		e := m.entities[name]
		for i := range e.Relationships {
			rel := &e.Relationships[i]
			target, ok := m.entities[rel.Target]
			if !ok {
				return fmt.Errorf("schema: %s.%s targets unknown entity %q", e.Name, rel.Name, rel.Target)
			}
			if rel.Inverse != "" {
				inverse, ok := target.Relationship(rel.Inverse)
				if !ok {
					return fmt.Errorf("schema: %s.%s declares unknown inverse %s.%s", e.Name, rel.Name, target.Name, rel.Inverse)
				}
				if inverse.Target != e.Name || inverse.Inverse != rel.Name {
					return fmt.Errorf("schema: %s.%s and %s.%s are not mutual inverses", e.Name, rel.Name, target.Name, inverse.Name)
				}
			}
			switch rel.Kind {
			case ToOne:
				if rel.Column == "" {
					return fmt.Errorf("schema: %s.%s has no reference column", e.Name, rel.Name)
				}
				if rel.Inverse != "" {
					inverse, _ := target.Relationship(rel.Inverse)
					if inverse.Kind == ToMany && inverse.Ordered && rel.PositionColumn == "" {
						return fmt.Errorf("schema: %s.%s needs a position column for ordered inverse %s.%s", e.Name, rel.Name, target.Name, inverse.Name)
					}
				}
			case ToMany:
				if rel.JoinTable == "" {
					if rel.Inverse == "" {
						return fmt.Errorf("schema: %s.%s needs either an inverse or a join table", e.Name, rel.Name)
					}
					inverse, _ := target.Relationship(rel.Inverse)
					if inverse.Kind != ToOne {
						return fmt.Errorf("schema: %s.%s: derived to-many requires a to-one inverse", e.Name, rel.Name)
					}
				} else if rel.Inverse != "" {
					return fmt.Errorf("schema: %s.%s: join-table relationships cannot declare an inverse", e.Name, rel.Name)
				}
			}
		}
	}
	return nil
}

type tagParts map[string]string

func parseTag(tag string) tagParts {
	parts := make(tagParts)
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		parts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return parts
}

func (p tagParts) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p tagParts) value(key string) string {
	return p[key]
}
