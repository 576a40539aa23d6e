package api

import "sync"

// DefaultStoreSize bounds how many results a ResultStore keeps.
const DefaultStoreSize = 1024

// ResultStore keeps the most recent inference results by id. When full the
// oldest result is evicted.
type ResultStore struct {
	mu      sync.Mutex
	limit   int
	results map[string]StoredResult
	order   []string
}

func NewResultStore(limit int) *ResultStore {
	if limit <= 0 {
		limit = DefaultStoreSize
	}
	return &ResultStore{
		limit:   limit,
		results: make(map[string]StoredResult),
	}
}

func (s *ResultStore) Put(r StoredResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.results[r.ID] = r
	for len(s.results) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *ResultStore) Get(id string) (StoredResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
