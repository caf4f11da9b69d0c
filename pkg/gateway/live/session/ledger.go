package session

import (
	"sync"
	"time"
)

// PendingAction is a high-risk action waiting for both the caller's spoken
// confirmation and a terminal approval record.
type PendingAction struct {
	ItemID         string
	CallID         string
	Name           string
	Arguments      map[string]any
	VoiceConfirmed bool
	ApprovalID     string
	RequestedAt    time.Time

	submitting bool
}

// ledger is the ordered list of pending actions for one session. Entries are
// appended on registration and removed exactly once on resolution.
type ledger struct {
	mu    sync.Mutex
	items []PendingAction
}

func (l *ledger) add(pa PendingAction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, pa)
}

// confirmLatest marks the most recently registered action as voice confirmed.
// Earlier entries are never targeted.
func (l *ledger) confirmLatest() (PendingAction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return PendingAction{}, false
	}
	last := &l.items[len(l.items)-1]
	last.VoiceConfirmed = true
	return *last, true
}

func (l *ledger) voiceConfirmed() []PendingAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []PendingAction
	for _, pa := range l.items {
		if pa.VoiceConfirmed {
			out = append(out, pa)
		}
	}
	return out
}

func (l *ledger) anyVoiceConfirmed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pa := range l.items {
		if pa.VoiceConfirmed {
			return true
		}
	}
	return false
}

// claim marks the entry for approvalID as being submitted. It fails when the
// entry is gone or another submission holds it.
func (l *ledger) claim(approvalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ApprovalID == approvalID {
			if l.items[i].submitting {
				return false
			}
			l.items[i].submitting = true
			return true
		}
	}
	return false
}

// unclaim returns an entry to the ledger after a failed submission so a later
// poll can retry it.
func (l *ledger) unclaim(approvalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ApprovalID == approvalID {
			l.items[i].submitting = false
			return
		}
	}
}

// remove deletes the entry for approvalID. Only the first caller for a given
// entry gets true.
func (l *ledger) remove(approvalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, pa := range l.items {
		if pa.ApprovalID == approvalID {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

func (l *ledger) snapshot() []PendingAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingAction, len(l.items))
	copy(out, l.items)
	return out
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
