package crdt

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// UpdateObserver is called with the part of an update that was new to the
// document. origin is whatever the caller passed to ApplyUpdate; nil means
// the change originated locally.
type UpdateObserver func(update []byte, origin any)

// AwarenessObserver is called with the client ids that changed and an
// encoded awareness update describing them.
type AwarenessObserver func(changed []uint64, update []byte, origin any)

// SharedState owns the process-wide document and awareness set.
// Every mutation goes through one lock so the document never sees concurrent
// writers, and observers run under that lock in apply order.
type SharedState struct {
	mu        sync.Mutex
	doc       Document
	awareness *Awareness

	updateObservers    []UpdateObserver
	awarenessObservers []AwarenessObserver
}

// NewSharedState wraps doc and awareness. Neither is replaced afterwards.
func NewSharedState(doc Document, awareness *Awareness) *SharedState {
	if awareness == nil {
		awareness = NewAwareness()
	}
	return &SharedState{doc: doc, awareness: awareness}
}

// Document returns the underlying document
func (s *SharedState) Document() Document {
	return s.doc
}

// Awareness returns the underlying awareness set
func (s *SharedState) Awareness() *Awareness {
	return s.awareness
}

// OnUpdate registers an observer for document changes
func (s *SharedState) OnUpdate(fn UpdateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateObservers = append(s.updateObservers, fn)
}

// OnAwarenessChange registers an observer for awareness changes
func (s *SharedState) OnAwarenessChange(fn AwarenessObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awarenessObservers = append(s.awarenessObservers, fn)
}

// ApplyUpdate merges update into the document. Observers receive only the
// changes that were actually new; a duplicate update notifies nobody.
func (s *SharedState) ApplyUpdate(update []byte, origin any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.doc.EncodeStateVector()
	if err := s.doc.ApplyUpdate(update); err != nil {
		return err
	}
	if bytes.Equal(before, s.doc.EncodeStateVector()) {
		return nil
	}

	diff, err := s.doc.EncodeDiffSince(before)
	if err != nil {
		return fmt.Errorf("failed to encode applied diff: %w", err)
	}
	if len(diff) == 0 {
		return nil
	}
	for _, fn := range s.updateObservers {
		fn(diff, origin)
	}
	return nil
}

// ApplyAwareness merges an awareness update and returns the changed client ids.
func (s *SharedState) ApplyAwareness(update []byte, origin any) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.awareness.Apply(update)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	encoded, err := s.awareness.Encode(changed...)
	if err != nil {
		return nil, err
	}
	s.notifyAwarenessLocked(changed, encoded, origin)
	return changed, nil
}

// RemoveAwareness drops the entries for ids and announces the removal.
func (s *SharedState) RemoveAwareness(ids []uint64, origin any) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, encoded, err := s.awareness.Remove(ids...)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		s.notifyAwarenessLocked(removed, encoded, origin)
	}
	return nil
}

// ExpireAwareness drops entries not renewed within timeout and announces them.
func (s *SharedState) ExpireAwareness(timeout time.Duration) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, encoded, err := s.awareness.Expire(timeout)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.notifyAwarenessLocked(removed, encoded, nil)
	}
	return removed, nil
}

// Join runs fn with a consistent snapshot of the state vector and the full
// awareness state. No update is applied while fn runs, so whatever fn
// registers observes every change made after the snapshot.
func (s *SharedState) Join(fn func(stateVector, awareness []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var aw []byte
	if s.awareness.Len() > 0 {
		encoded, err := s.awareness.Encode()
		if err != nil {
			return err
		}
		aw = encoded
	}
	fn(s.doc.EncodeStateVector(), aw)
	return nil
}

// EncodeStateVector returns the document's state vector
func (s *SharedState) EncodeStateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeStateVector()
}

// EncodeDiffSince returns what a replica at stateVector is missing
func (s *SharedState) EncodeDiffSince(stateVector []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeDiffSince(stateVector)
}

// EncodeAwareness encodes the given entries, or all of them
func (s *SharedState) EncodeAwareness(ids ...uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awareness.Encode(ids...)
}

// Snapshot returns the full document if the document supports it.
func (s *SharedState) Snapshot() ([]byte, bool) {
	snap, ok := s.doc.(Snapshotter)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return snap.Save(), true
}

func (s *SharedState) notifyAwarenessLocked(changed []uint64, update []byte, origin any) {
	for _, fn := range s.awarenessObservers {
		fn(changed, update, origin)
	}
}
