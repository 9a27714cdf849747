package reportstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
)

// ErrReportNotFound means no report exists under the given key.
var ErrReportNotFound = errors.New("report not found")

// Store persists finished analysis reports. PutReport returns the stable
// object key callers record as the job's report reference.
type Store interface {
	PutReport(ctx context.Context, jobID string, report *analysis.Report) (string, error)
	GetReport(ctx context.Context, objectKey string) (*analysis.Report, error)
}

// MemoryStore keeps reports in a map. Used in development when S3 report
// storage is disabled, and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]analysis.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]analysis.Report)}
}

func (s *MemoryStore) PutReport(_ context.Context, jobID string, report *analysis.Report) (string, error) {
	now := time.Now().UTC()
	key := (&Config{}).GetObjectKey(jobID, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[key] = *report
	return key, nil
}

func (s *MemoryStore) GetReport(_ context.Context, objectKey string) (*analysis.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[objectKey]
	if !ok {
		return nil, ErrReportNotFound
	}
	return &report, nil
}
