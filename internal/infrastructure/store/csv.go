// Package store persists experiment artifacts as CSV: the monitor's
// per-tick snapshot log and the final phase report.
package store

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"harmlab/internal/core/domain"
)

// SnapshotWriter is an append-only sink for quality snapshots. Every Append
// goes straight to the file, so a killed monitor loses at most one row.
type SnapshotWriter struct {
	f *os.File
}

// NewSnapshotWriter creates (truncates) the snapshot log and writes the
// header row.
func NewSnapshotWriter(path string) (*SnapshotWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create snapshot log %s: %w", path, err)
	}
	header, err := gocsv.MarshalString([]domain.QualitySnapshot{})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshal snapshot header: %w", err)
	}
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}
	return &SnapshotWriter{f: f}, nil
}

func (w *SnapshotWriter) Append(snapshot domain.QualitySnapshot) error {
	if err := gocsv.MarshalWithoutHeaders([]domain.QualitySnapshot{snapshot}, w.f); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (w *SnapshotWriter) Close() error {
	return w.f.Close()
}

// ReadSnapshots loads a downloaded snapshot log. An empty file (header only)
// yields an empty slice, not an error.
func ReadSnapshots(path string) ([]domain.QualitySnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot log %s: %w", path, err)
	}
	defer f.Close()

	var snapshots []domain.QualitySnapshot
	if err := gocsv.UnmarshalFile(f, &snapshots); err != nil {
		if err == gocsv.ErrEmptyCSVFile {
			return nil, nil
		}
		return nil, fmt.Errorf("parse snapshot log %s: %w", path, err)
	}
	return snapshots, nil
}

// WriteReport writes the full phase report in one shot.
func WriteReport(path string, results []domain.PhaseResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&results, f); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// ReadReport loads a previously written phase report.
func ReadReport(path string) ([]domain.PhaseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", path, err)
	}
	defer f.Close()

	var results []domain.PhaseResult
	if err := gocsv.UnmarshalFile(f, &results); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return results, nil
}
