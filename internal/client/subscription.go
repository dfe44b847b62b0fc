package client

// Subscription is one registered listener. Close is idempotent.
type Subscription struct {
	session *Session
	id      int
}

func (sub *Subscription) Close() {
	sub.session.mu.Lock()
	delete(sub.session.listeners, sub.id)
	sub.session.mu.Unlock()
}

// Listeners returns how many listeners are registered on the session.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
