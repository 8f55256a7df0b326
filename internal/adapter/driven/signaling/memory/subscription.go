package memory

import "sync"

// subscription is one ordered delivery queue with a dedicated drain goroutine.
// Events pushed while holding the store lock are delivered in push order.
// After cancel returns no new callback is started; one already running may
// finish. cancel is safe from inside the callback itself.
type subscription struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []func()
	done  bool
}

func newSubscription() *subscription {
	s := &subscription{}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscription) push(fn func()) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, fn)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

func (s *subscription) cancel() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}
