package session

import "classlink/pkg/types"

// ChangeKind classifies a room notification.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
	// ChangeCleared means every participant was dropped at once.
	ChangeCleared
	ChangeStateChanged
	ChangeChat
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeCleared:
		return "cleared"
	case ChangeStateChanged:
		return "state"
	case ChangeChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Change is delivered to room observers. Participant is a snapshot.
type Change struct {
	Kind        ChangeKind
	SessionID   string
	Participant *types.Participant
	State       State
	Text        string
}

type observerEntry struct {
	id uint64
	fn func(Change)
}

// Observe registers fn for every change. Observers run on the goroutine
// that caused the change, in registration order, and must not block.
func (r *Room) Observe(fn func(Change)) (cancel func()) {
	r.omu.Lock()
	r.nextObs++
	id := r.nextObs
	next := make([]observerEntry, len(r.observers), len(r.observers)+1)
	copy(next, r.observers)
	r.observers = append(next, observerEntry{id: id, fn: fn})
	r.omu.Unlock()

	return func() {
		r.omu.Lock()
		defer r.omu.Unlock()
		next := make([]observerEntry, 0, len(r.observers))
		for _, o := range r.observers {
			if o.id != id {
				next = append(next, o)
			}
		}
		r.observers = next
	}
}

func (r *Room) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	r.omu.RLock()
	obs := r.observers
	r.omu.RUnlock()

	for _, c := range changes {
		for _, o := range obs {
			o.fn(c)
		}
	}
}
