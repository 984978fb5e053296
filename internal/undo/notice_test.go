package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticeReplacesRatherThanQueues(t *testing.T) {
	n := newNotifier()
	n.replace(NoticeInfo, "first", false)
	n.replace(NoticeWarning, "second", true)

	current := n.Current()
	require.NotNil(t, current)
	assert.Equal(t, "second", current.Message)
	assert.Equal(t, NoticeWarning, current.Kind)
	assert.True(t, current.CanForce)
}

func TestNoticeExpires(t *testing.T) {
	n := newNotifier()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	n.replace(NoticeSuccess, "saved", false)
	require.NotNil(t, n.Current())

	now = now.Add(noticeTTL - time.Millisecond)
	require.NotNil(t, n.Current())

	now = now.Add(2 * time.Millisecond)
	assert.Nil(t, n.Current())
}

func TestNoticeStartsEmpty(t *testing.T) {
	assert.Nil(t, newNotifier().Current())
}
