package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/syntrixbase/changefeed/internal/feed/cursor/cursortest"
	"github.com/syntrixbase/changefeed/internal/feed/events"
)

func TestResumeState_Advance(t *testing.T) {
	t.Parallel()

	s := newResumeState(true, nil)
	assert.Nil(t, s.Position())

	assert.True(t, s.Advance(events.Batch{insert("a", 1, "t1"), insert("b", 1, "t2")}))
	assert.Equal(t, "t2", cursortest.TokenData(s.Position()))

	// Invalidate-only batches carry no change.
	assert.False(t, s.Advance(events.Batch{cursortest.Invalidate("t3")}))
	assert.Equal(t, "t2", cursortest.TokenData(s.Position()))

	assert.False(t, s.Advance(nil))
}

func TestResumeState_PositionIsCopy(t *testing.T) {
	t.Parallel()

	token := cursortest.Token("t1")
	s := newResumeState(true, token)

	got := s.Position()
	got[len(got)-3] = '9'
	assert.Equal(t, "t1", cursortest.TokenData(s.Position()))

	token[len(token)-3] = '8'
	assert.Equal(t, "t1", cursortest.TokenData(s.Position()))
}

func TestResumeState_Disabled(t *testing.T) {
	t.Parallel()

	s := newResumeState(false, cursortest.Token("t0"))
	assert.False(t, s.AutoResume())
	assert.Nil(t, s.Position())

	assert.False(t, s.Advance(events.Batch{insert("a", 1, "t1")}))
	s.Set(cursortest.Token("t2"))
	assert.Nil(t, s.Position())
}

func TestResumeState_SetAndReset(t *testing.T) {
	t.Parallel()

	s := newResumeState(true, nil)
	s.Set(cursortest.Token("t5"))
	assert.Equal(t, "t5", cursortest.TokenData(s.Position()))

	s.Reset()
	assert.Nil(t, s.Position())
}
