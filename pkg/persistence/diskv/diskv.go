// Package diskv implements the deployment history store backed by an on-disk
// key-value store.
package diskv

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/peterbourgon/diskv/v3"

	"github.com/edgekit/updagent/pkg/persistence"
)

// HistoryStore keeps one record per workflow id under <path>/history.
type HistoryStore struct {
	kv *diskv.Diskv
}

func NewHistoryStore(path string) *HistoryStore {
	flatTransform := func(s string) []string { return []string{} }

	return &HistoryStore{
		kv: diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "history"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}),
	}
}

func (s *HistoryStore) Put(record persistence.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return &persistence.StateError{Op: "Put", Path: record.WorkflowID, Err: err}
	}

	if err := s.kv.Write(record.WorkflowID, data); err != nil {
		return &persistence.StateError{Op: "Put", Path: record.WorkflowID, Err: err}
	}

	return nil
}

func (s *HistoryStore) Get(workflowID string) (persistence.Record, error) {
	data, err := s.kv.Read(workflowID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.Record{}, &persistence.StateError{
				Op:   "Get",
				Path: workflowID,
				Err:  persistence.ErrRecordNotFound,
			}
		}

		return persistence.Record{}, &persistence.StateError{Op: "Get", Path: workflowID, Err: err}
	}

	var record persistence.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return persistence.Record{}, &persistence.StateError{Op: "Get", Path: workflowID, Err: err}
	}

	return record, nil
}

// List returns all history records, most recent first.
func (s *HistoryStore) List() ([]persistence.Record, error) {
	var records []persistence.Record

	for key := range s.kv.Keys(nil) {
		record, err := s.Get(key)
		if err != nil {
			if persistence.IsRecordNotFound(err) {
				continue
			}

			return nil, err
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})

	return records, nil
}
