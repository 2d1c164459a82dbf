package testutil

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"tbup-go/internal/tbup"
)

// MemorySidecarStore keeps sidecars as JSON documents in memory, so saved
// jobs go through the same encoding as on disk.
type MemorySidecarStore struct {
	docs    map[string][]byte
	saves   map[string]int
	history map[string][][]byte
	failErr error
}

// NewMemorySidecarStore creates an empty store.
func NewMemorySidecarStore() *MemorySidecarStore {
	return &MemorySidecarStore{
		docs:    make(map[string][]byte),
		saves:   make(map[string]int),
		history: make(map[string][][]byte),
	}
}

func (s *MemorySidecarStore) Load(path string) (*tbup.UploadJob, error) {
	doc, ok := s.docs[path]
	if !ok {
		return &tbup.UploadJob{}, nil
	}
	var job tbup.UploadJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &job, nil
}

func (s *MemorySidecarStore) Save(path string, job *tbup.UploadJob) error {
	if s.failErr != nil {
		return s.failErr
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.docs[path] = doc
	s.saves[path]++
	s.history[path] = append(s.history[path], doc)
	return nil
}

func (s *MemorySidecarStore) Delete(path string) error {
	delete(s.docs, path)
	return nil
}

// Put stores job without counting it as a save.
func (s *MemorySidecarStore) Put(path string, job *tbup.UploadJob) {
	doc, err := json.Marshal(job)
	if err != nil {
		panic(err)
	}
	s.docs[path] = doc
}

// Job returns the decoded sidecar at path, or nil if there is none.
func (s *MemorySidecarStore) Job(path string) *tbup.UploadJob {
	if _, ok := s.docs[path]; !ok {
		return nil
	}
	job, err := s.Load(path)
	if err != nil {
		panic(err)
	}
	return job
}

// Raw returns the stored document.
func (s *MemorySidecarStore) Raw(path string) []byte {
	return s.docs[path]
}

// Saves returns how many times Save succeeded for path.
func (s *MemorySidecarStore) Saves(path string) int {
	return s.saves[path]
}

// History returns every saved version of the sidecar at path, oldest first.
func (s *MemorySidecarStore) History(path string) []*tbup.UploadJob {
	var out []*tbup.UploadJob
	for _, doc := range s.history[path] {
		var job tbup.UploadJob
		if err := json.Unmarshal(doc, &job); err != nil {
			panic(err)
		}
		out = append(out, &job)
	}
	return out
}

// Paths returns the paths holding a sidecar, sorted.
func (s *MemorySidecarStore) Paths() []string {
	return slices.Sorted(maps.Keys(s.docs))
}

// FailSaves makes every later Save return err.
func (s *MemorySidecarStore) FailSaves(err error) {
	s.failErr = err
}

var _ tbup.SidecarStore = (*MemorySidecarStore)(nil)
