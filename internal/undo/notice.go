package undo

import (
	"sync"
	"time"
)

// noticeTTL is how long a toast stays current before it is dropped.
const noticeTTL = 4 * time.Second

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

// Notice is a transient toast shown to the user. At most one notice is
// current per project; a new one replaces the old rather than queueing
// behind it.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	// CanForce marks a conflict warning that offers a forced revert.
	CanForce  bool      `json:"can_force,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// notifier holds the single current notice for a project.
type notifier struct {
	mu      sync.Mutex
	current *Notice
	now     func() time.Time
}

func newNotifier() *notifier {
	return &notifier{now: time.Now}
}

// replace installs a new notice, discarding any current one.
func (n *notifier) replace(kind NoticeKind, message string, canForce bool) *Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	notice := &Notice{
		Kind:      kind,
		Message:   message,
		CanForce:  canForce,
		ExpiresAt: n.now().Add(noticeTTL),
	}
	n.current = notice
	return notice
}

// Current returns the active notice, or nil once it has expired.
func (n *notifier) Current() *Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil
	}
	if !n.now().Before(n.current.ExpiresAt) {
		n.current = nil
		return nil
	}
	copied := *n.current
	return &copied
}
