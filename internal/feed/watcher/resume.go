package watcher

import (
	"sync"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
)

// ResumeState holds the position a restart continues from. The loop is the
// only writer while it runs; readers always get a copy.
type ResumeState struct {
	mu         sync.RWMutex
	autoResume bool
	position   bson.Raw
}

func newResumeState(autoResume bool, position bson.Raw) *ResumeState {
	s := &ResumeState{autoResume: autoResume}
	if autoResume {
		s.position = cloneRaw(position)
	}
	return s
}

// AutoResume reports whether positions are retained.
func (s *ResumeState) AutoResume() bool {
	return s.autoResume
}

// Position returns a copy of the stored position, nil if there is none.
func (s *ResumeState) Position() bson.Raw {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRaw(s.position)
}

// Advance records the token of the last envelope of a dispatched batch.
// Nothing is stored without auto-resume or when the batch holds no change.
func (s *ResumeState) Advance(batch events.Batch) bool {
	if !s.autoResume || !batch.HasChanges() {
		return false
	}
	last := batch.Last()
	if len(last.ResumePosition) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = cloneRaw(last.ResumePosition)
	return true
}

// Set replaces the stored position. Ignored without auto-resume.
func (s *ResumeState) Set(position bson.Raw) {
	if !s.autoResume {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = cloneRaw(position)
}

// Reset forgets the stored position.
func (s *ResumeState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = nil
}

func cloneRaw(r bson.Raw) bson.Raw {
	if len(r) == 0 {
		return nil
	}
	return append(bson.Raw(nil), r...)
}
