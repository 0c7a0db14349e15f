// Package challenge holds http-01 challenge material and the two ways of
// publishing it: the in-process well-known server and the remote responder.
package challenge

import "sync"

// Store maps challenge tokens to their key authorizations for the
// in-process responder. Entries live for the duration of one validation.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStore() *Store {
	return &Store{
		tokens: map[string]string{},
	}
}

func (s *Store) Put(token, keyAuthorization string) {
	s.mu.Lock()
	s.tokens[token] = keyAuthorization
	s.mu.Unlock()
}

func (s *Store) Remove(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *Store) Lookup(token string) (string, bool) {
	s.mu.RLock()
	keyAuthorization, ok := s.tokens[token]
	s.mu.RUnlock()
	return keyAuthorization, ok
}
