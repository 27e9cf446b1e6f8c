package graphstore

import (
	"context"
	"sync"
	"time"

	"github.com/nlstn/go-graphstore/internal/serial"
)

// ObjectChange is one object's committed change as carried to the main
// Context. Only the properties the writer staged are present.
type ObjectChange struct {
	Ref        Ref                    `json:"ref"`
	Inserted   bool                   `json:"inserted,omitempty"`
	Version    int64                  `json:"version"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ToOne      map[string]ObjectID    `json:"toOne,omitempty"`
	Positions  map[string]int         `json:"positions,omitempty"`
	ToMany     map[string][]ObjectID  `json:"toMany,omitempty"`
}

// ChangeSet is everything one writer commit or batch delete changed. Seq
// orders change sets across writers; it is also the journal key.
type ChangeSet struct {
	Seq     uint64         `json:"seq"`
	Context string         `json:"context"`
	Objects []ObjectChange `json:"objects,omitempty"`
	Deleted []Ref          `json:"deleted,omitempty"`
}

// MergeEvent reports one change set merged into the main Context.
type MergeEvent struct {
	Seq      uint64
	Source   string
	Objects  int
	Deleted  int
	Err      error
	Duration time.Duration
}

// coordinator carries writer change sets into the main Context. Change sets
// queue in its inbox in commit order and are drained by tasks on the main
// Context's line.
type coordinator struct {
	store *Store

	mu        sync.Mutex
	inbox     []*ChangeSet
	enqueued  uint64
	merged    uint64
	notify    chan struct{}
	observers []func(MergeEvent)
}

func newCoordinator(s *Store) *coordinator {
	return &coordinator{store: s, notify: make(chan struct{})}
}

// enqueue hands cs to the main line. Callers hold the store write lock, so
// inbox order is commit order.
func (co *coordinator) enqueue(cs *ChangeSet) {
	co.mu.Lock()
	co.inbox = append(co.inbox, cs)
	co.enqueued++
	co.mu.Unlock()

	// Merges must not be abandoned with the writer's request, so they run
	// under a background context.
	_, err := co.store.main.line.Submit(context.Background(), func(ctx context.Context) error {
		co.drain(ctx)
		return nil
	})
	if err != nil {
		for _, pending := range co.take() {
			co.store.log.Error("graphstore: change set not merged", "seq", pending.Seq, "context", pending.Context, "error", err)
			co.finish(MergeEvent{Seq: pending.Seq, Source: pending.Context, Objects: len(pending.Objects), Deleted: len(pending.Deleted), Err: err})
		}
	}
}

func (co *coordinator) take() []*ChangeSet {
	co.mu.Lock()
	defer co.mu.Unlock()
	batch := co.inbox
	co.inbox = nil
	return batch
}

func (co *coordinator) drain(ctx context.Context) {
	for _, cs := range co.take() {
		co.finish(co.apply(ctx, cs))
	}
}

// apply merges cs into the main Context and persists the main Context. For
// every registered object the writer's staged properties replace the main
// Context's values, staged or not; properties the writer did not touch keep
// the main Context's view. Objects the main Context already holds at a newer
// version are left alone.
func (co *coordinator) apply(ctx context.Context, cs *ChangeSet) MergeEvent {
	s := co.store
	main := s.main
	start := time.Now()
	ctx, span := s.obs.Tracer().StartMerge(ctx, cs.Context, cs.Seq, len(cs.Objects)+len(cs.Deleted))
	defer span.End()

	for _, ch := range cs.Objects {
		o, ok := main.objects[ch.Ref.ID]
		if !ok || ch.Version <= o.version {
			continue
		}
		for name, v := range ch.Attributes {
			o.attrs[name] = v
			delete(o.dirtyAttrs, name)
		}
		for name, id := range ch.ToOne {
			o.toOne[name] = id
			delete(o.dirtyRels, name)
		}
		for name, pos := range ch.Positions {
			o.positions[name] = pos
		}
		for name, ids := range ch.ToMany {
			o.toMany[name] = append([]ObjectID(nil), ids...)
			delete(o.dirtyRels, name)
		}
		o.version = ch.Version
	}

	if len(cs.Deleted) > 0 {
		byEntity := make(map[string]map[ObjectID]bool)
		for _, ref := range cs.Deleted {
			if byEntity[ref.Entity] == nil {
				byEntity[ref.Entity] = make(map[ObjectID]bool)
			}
			byEntity[ref.Entity][ref.ID] = true
		}
		for name, ids := range byEntity {
			if e, ok := s.model.Entity(name); ok {
				main.forgetDeleted(e, ids)
			}
		}
	}

	var err error
	if main.hasChanges() {
		err = main.commit(ctx)
	}
	if s.journal != nil {
		if err != nil {
			if jerr := s.journal.MarkFailed(ctx, cs.Seq, err); jerr != nil {
				s.log.Warn("graphstore: journal update failed", "seq", cs.Seq, "error", jerr)
			}
		} else if jerr := s.journal.MarkMerged(ctx, cs.Seq); jerr != nil {
			s.log.Warn("graphstore: journal update failed", "seq", cs.Seq, "error", jerr)
		}
	}
	s.obs.Metrics().RecordMerge(ctx, cs.Context, err)
	if err != nil {
		s.obs.Tracer().RecordError(span, err)
		s.log.Error("graphstore: merge failed", "seq", cs.Seq, "context", cs.Context, "error", err)
	} else {
		s.log.Debug("graphstore: merged", "seq", cs.Seq, "context", cs.Context,
			"objects", len(cs.Objects), "deleted", len(cs.Deleted))
	}
	return MergeEvent{
		Seq:      cs.Seq,
		Source:   cs.Context,
		Objects:  len(cs.Objects),
		Deleted:  len(cs.Deleted),
		Err:      err,
		Duration: time.Since(start),
	}
}

// finish notifies observers, then counts the merge as done so that
// WaitForMerges returns only after observers have seen it.
func (co *coordinator) finish(ev MergeEvent) {
	co.mu.Lock()
	observers := make([]func(MergeEvent), len(co.observers))
	copy(observers, co.observers)
	co.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}

	co.mu.Lock()
	co.merged++
	close(co.notify)
	co.notify = make(chan struct{})
	co.mu.Unlock()
}

// OnMerge registers fn to be called after every merge into the main Context.
// fn runs on the main Context's line and must not block on it.
func (s *Store) OnMerge(fn func(MergeEvent)) {
	if fn == nil {
		return
	}
	s.coordinator.mu.Lock()
	s.coordinator.observers = append(s.coordinator.observers, fn)
	s.coordinator.mu.Unlock()
}

// WaitForMerges blocks until every change set committed before the call has
// been merged into the main Context, or ctx is done.
func (s *Store) WaitForMerges(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	co := s.coordinator
	co.mu.Lock()
	target := co.enqueued
	co.mu.Unlock()

	for {
		co.mu.Lock()
		if co.merged >= target {
			co.mu.Unlock()
			return nil
		}
		notify := co.notify
		co.mu.Unlock()

		if serial.OnLine(ctx, s.main.line) {
			return ErrWaitOnMainLine
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PendingMerges returns the number of committed change sets not yet merged
// into the main Context.
func (s *Store) PendingMerges() int {
	co := s.coordinator
	co.mu.Lock()
	defer co.mu.Unlock()
	return int(co.enqueued - co.merged)
}
