package snapshot

type subCh = chan string // carries new ETags

// Subscribe registers a listener and returns its channel and an unsubscribe func.
func (s *Store) Subscribe() (subCh, func()) {
	ch := make(subCh, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, unsub
}

// publishUpdate notifies all listeners (non-blocking).
func (s *Store) publishUpdate(etag string) {
	s.mu.Lock()
	for ch := range s.subs {
		select {
		case ch <- etag:
		default: // slow listener keeps its pending etag
		}
	}
	s.mu.Unlock()
}
