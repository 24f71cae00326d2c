package proxy

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// Store provides concurrency-safe access to the proxy pool. Callers never
// hold references into the pool; reads return copies and writes go through
// Update so every mutation happens under the store lock.
type Store interface {
	Get(id string) (schemas.ProxyRecord, bool)
	List() []schemas.ProxyRecord
	Add(record schemas.ProxyRecord) error
	// Update applies fn to the live record under the store lock.
	Update(id string, fn func(*schemas.ProxyRecord)) bool
	// ResetFailures is the external recovery path for a disabled proxy.
	ResetFailures(id string) bool
}

// InMemoryStore is the default Store backed by a map.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*schemas.ProxyRecord
}

// NewInMemoryStore returns an empty pool.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*schemas.ProxyRecord)}
}

// LoadFile loads pool members from a JSON array file.
func (s *InMemoryStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read proxy pool: %w", err)
	}
	var records []schemas.ProxyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse proxy pool: %w", err)
	}
	for i := range records {
		if err := s.Add(records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) Add(record schemas.ProxyRecord) error {
	if record.ID == "" {
		return fmt.Errorf("proxy record requires an id")
	}
	if record.Endpoint == "" {
		return fmt.Errorf("proxy record %s requires an endpoint", record.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := record
	s.records[r.ID] = &r
	return nil
}

func (s *InMemoryStore) Get(id string) (schemas.ProxyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return schemas.ProxyRecord{}, false
	}
	return *r, true
}

func (s *InMemoryStore) List() []schemas.ProxyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schemas.ProxyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) Update(id string, fn func(*schemas.ProxyRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func (s *InMemoryStore) ResetFailures(id string) bool {
	return s.Update(id, func(r *schemas.ProxyRecord) {
		r.FailureCount = 0
		r.Enabled = true
	})
}

// EnrichGeography fills in missing geography on pool members by resolving
// their endpoint IPs. Records that already carry geography are untouched.
func (s *InMemoryStore) EnrichGeography(resolver GeoResolver, log *zap.Logger) {
	if resolver == nil {
		return
	}
	for _, r := range s.List() {
		if r.Geography.Country != "" {
			continue
		}
		host, _, err := net.SplitHostPort(r.Endpoint)
		if err != nil {
			host = r.Endpoint
		}
		geo, err := resolver.Resolve(host)
		if err != nil {
			log.Debug("GeoIP lookup failed for proxy",
				zap.String("proxy_id", r.ID),
				zap.String("host", host),
				zap.Error(err))
			continue
		}
		s.Update(r.ID, func(rec *schemas.ProxyRecord) {
			rec.Geography = geo
		})
	}
}
