// Package history records committed changes per entity and hands out opaque
// change tokens that let readers ask for everything after a point in time.
package history

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// ChangeType represents the type of change recorded for an object.
type ChangeType string

const (
	// ChangeInserted indicates that a new object was committed.
	ChangeInserted ChangeType = "inserted"
	// ChangeUpdated indicates that an existing object was updated.
	ChangeUpdated ChangeType = "updated"
	// ChangeDeleted indicates that an object was removed.
	ChangeDeleted ChangeType = "deleted"
)

// Event is one recorded change.
type Event struct {
	Entity   string
	ObjectID string
	Context  string
	Changed  []string
	Type     ChangeType
	Version  int64
}

type token struct {
	Entity  string `json:"entity"`
	Version int64  `json:"version"`
}

type entityHistory struct {
	Version int64
	Events  []Event
}

// Tracker keeps per-entity change history in memory.
type Tracker struct {
	mu       sync.RWMutex
	entities map[string]*entityHistory
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entities: make(map[string]*entityHistory)}
}

// RegisterEntity ensures the tracker keeps history for entity.
// It is safe to call multiple times.
func (t *Tracker) RegisterEntity(entity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entities[entity]; !exists {
		t.entities[entity] = &entityHistory{}
	}
}

// Record stores a change and returns the new entity version.
func (t *Tracker) Record(entity, objectID, context string, changed []string, changeType ChangeType) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.entities[entity]
	if !exists {
		h = &entityHistory{}
		t.entities[entity] = h
	}

	h.Version++
	h.Events = append(h.Events, Event{
		Entity:   entity,
		ObjectID: objectID,
		Context:  context,
		Changed:  append([]string(nil), changed...),
		Type:     changeType,
		Version:  h.Version,
	})
	return h.Version
}

// CurrentToken returns a token representing the current state of entity.
func (t *Tracker) CurrentToken(entity string) (string, error) {
	t.mu.RLock()
	h, exists := t.entities[entity]
	var version int64
	if exists {
		version = h.Version
	}
	t.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("entity %q is not registered", entity)
	}
	return encodeToken(entity, version)
}

// ChangesSince returns the events recorded after token and a token for the
// next call.
func (t *Tracker) ChangesSince(tok string) ([]Event, string, error) {
	entity, version, err := decodeToken(tok)
	if err != nil {
		return nil, "", err
	}

	t.mu.RLock()
	h, exists := t.entities[entity]
	if !exists {
		t.mu.RUnlock()
		return nil, "", fmt.Errorf("entity %q is not registered", entity)
	}

	var events []Event
	for _, event := range h.Events {
		if event.Version > version {
			copied := event
			copied.Changed = append([]string(nil), event.Changed...)
			events = append(events, copied)
		}
	}
	current := h.Version
	t.mu.RUnlock()

	next, err := encodeToken(entity, current)
	if err != nil {
		return nil, "", err
	}
	return events, next, nil
}

// EntityFromToken returns the entity encoded in tok.
func (t *Tracker) EntityFromToken(tok string) (string, error) {
	entity, _, err := decodeToken(tok)
	return entity, err
}

func encodeToken(entity string, version int64) (string, error) {
	data, err := json.Marshal(token{Entity: entity, Version: version})
	if err != nil {
		return "", fmt.Errorf("failed to encode change token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeToken(tok string) (string, int64, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", 0, fmt.Errorf("invalid change token encoding")
	}

	var payload token
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return "", 0, fmt.Errorf("invalid change token payload")
	}
	if payload.Entity == "" {
		return "", 0, fmt.Errorf("change token missing entity")
	}
	return payload.Entity, payload.Version, nil
}
