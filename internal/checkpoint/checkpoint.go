// Package checkpoint persists per-unit completion state and output so an
// interrupted job resumes without recomputation.
//
// Layout under the store root, keyed by job ID:
//
//	<jobID>/progress.json              unit bookkeeping and the chunk plan
//	<jobID>/results/result_<unit>.json one result per completed unit
//	<jobID>/combined.json              final merged artifact; its presence
//	                                   marks the job done
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ocrtools/ocrflow/internal/document"
	"github.com/ocrtools/ocrflow/internal/ocr"
)

// Progress is the persisted record of a job. The orchestrator is its only
// writer; the store holds no state beyond the files it manages.
type Progress struct {
	JobID         string           `json:"job_id"`
	TotalPages    int              `json:"total_pages"`
	ChunksPlanned bool             `json:"chunks_created"`
	Chunks        []document.Chunk `json:"chunks,omitempty"`
	Completed     []string         `json:"processed_units"`
}

// UnitDone reports whether the unit's result has been recorded.
func (p *Progress) UnitDone(unitID string) bool {
	return slices.Contains(p.Completed, unitID)
}

// MarkDone records the unit as completed. Idempotent.
func (p *Progress) MarkDone(unitID string) {
	if !p.UnitDone(unitID) {
		p.Completed = append(p.Completed, unitID)
	}
}

// Store reads and writes checkpoint files under a root directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) progressPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "progress.json")
}

func (s *Store) resultPath(jobID, unitID string) string {
	return filepath.Join(s.jobDir(jobID), "results", "result_"+unitID+".json")
}

func (s *Store) finalPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "combined.json")
}

// LoadOrInit returns the existing progress record for the job, or a fresh one
// with an empty completed set and no chunk plan.
func (s *Store) LoadOrInit(jobID string, totalPages int) (*Progress, error) {
	if err := os.MkdirAll(filepath.Join(s.jobDir(jobID), "results"), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := os.ReadFile(s.progressPath(jobID))
	if os.IsNotExist(err) {
		return &Progress{JobID: jobID, TotalPages: totalPages}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse progress: %w", err)
	}
	p.JobID = jobID
	return &p, nil
}

// Save overwrites the progress record. Called after every completed unit, so
// it writes to a temp file and renames into place.
func (s *Store) Save(p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return atomicWrite(s.progressPath(p.JobID), data)
}

// SaveUnitResult stores one completed unit's output, keyed by unit ID.
func (s *Store) SaveUnitResult(jobID, unitID string, r ocr.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", unitID, err)
	}
	return atomicWrite(s.resultPath(jobID, unitID), data)
}

// LoadUnitResult reads back a completed unit's output.
func (s *Store) LoadUnitResult(jobID, unitID string) (ocr.Result, error) {
	data, err := os.ReadFile(s.resultPath(jobID, unitID))
	if err != nil {
		return ocr.Result{}, fmt.Errorf("read result %s: %w", unitID, err)
	}
	var r ocr.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return ocr.Result{}, fmt.Errorf("parse result %s: %w", unitID, err)
	}
	return r, nil
}

// Finalize writes the merged artifact that marks the job complete.
func (s *Store) Finalize(jobID string, combined ocr.Result) error {
	data, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("marshal combined result: %w", err)
	}
	return atomicWrite(s.finalPath(jobID), data)
}

// LoadFinal returns the finalized artifact if one exists. A cache hit here
// means the job can be served without contacting the backend at all.
func (s *Store) LoadFinal(jobID string) (ocr.Result, bool, error) {
	data, err := os.ReadFile(s.finalPath(jobID))
	if os.IsNotExist(err) {
		return ocr.Result{}, false, nil
	}
	if err != nil {
		return ocr.Result{}, false, fmt.Errorf("read combined result: %w", err)
	}
	var r ocr.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return ocr.Result{}, false, fmt.Errorf("parse combined result: %w", err)
	}
	return r, true, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
