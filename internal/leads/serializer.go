package leads

import (
	"sync"

	"github.com/google/uuid"
)

// leadSerializer runs work for the same lead one at a time in arrival order.
// Each caller waits on the completion channel of the caller before it.
type leadSerializer struct {
	mu    sync.Mutex
	tails map[uuid.UUID]chan struct{}
}

func newLeadSerializer() *leadSerializer {
	return &leadSerializer{tails: make(map[uuid.UUID]chan struct{})}
}

// Lock blocks until every earlier caller for leadID has unlocked.
func (s *leadSerializer) Lock(leadID uuid.UUID) (unlock func()) {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[leadID]
	s.tails[leadID] = done
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}

	return func() {
		s.mu.Lock()
		if s.tails[leadID] == done {
			delete(s.tails, leadID)
		}
		s.mu.Unlock()
		close(done)
	}
}
