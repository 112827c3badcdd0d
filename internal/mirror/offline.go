package mirror

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is how many network failures in a row flip offline mode.
const DefaultFailureThreshold = 2

// OfflineState short-circuits mirror calls after repeated network failures
// until Retry is called.
type OfflineState struct {
	mu        sync.Mutex
	threshold int
	failures  int
	offline   bool
	since     time.Time
	reason    string
}

// OfflineStatus is a snapshot of OfflineState.
type OfflineStatus struct {
	Offline  bool      `json:"offline"`
	Since    time.Time `json:"since,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Failures int       `json:"consecutive_failures"`
}

func NewOfflineState(threshold int) *OfflineState {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &OfflineState{threshold: threshold}
}

func (o *OfflineState) IsOffline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offline
}

// MarkOffline switches offline mode on immediately.
func (o *OfflineState) MarkOffline(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.markLocked(reason)
}

func (o *OfflineState) markLocked(reason string) {
	if !o.offline {
		o.offline = true
		o.since = time.Now().UTC()
	}
	o.reason = reason
}

// Retry leaves offline mode and clears the failure count.
func (o *OfflineState) Retry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = false
	o.failures = 0
	o.reason = ""
	o.since = time.Time{}
}

// RecordFailure counts a network failure and reports whether it flipped
// offline mode on.
func (o *OfflineState) RecordFailure(err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
	if o.offline || o.failures < o.threshold {
		return false
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	o.markLocked(reason)
	return true
}

// RecordSuccess resets the consecutive failure count.
func (o *OfflineState) RecordSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = 0
}

func (o *OfflineState) Status() OfflineStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OfflineStatus{
		Offline:  o.offline,
		Since:    o.since,
		Reason:   o.reason,
		Failures: o.failures,
	}
}
