package tbup

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state a file reached in one run.
type Outcome string

const (
	OutcomeSkippedEmpty      Outcome = "skipped_empty"
	OutcomeSkippedTooLarge   Outcome = "skipped_too_large"
	OutcomeSkippedExists     Outcome = "skipped_exists"
	OutcomeRapidUploaded     Outcome = "rapid_uploaded"
	OutcomeCommitted         Outcome = "committed"
	OutcomeHashOnlyMissed    Outcome = "hash_only_missed"
	OutcomeFaultListing      Outcome = "fault_listing"
	OutcomeFaultFingerprint  Outcome = "fault_fingerprint"
	OutcomeFaultNegotiate    Outcome = "fault_negotiate"
	OutcomeFaultTransfer     Outcome = "fault_transfer"
	OutcomeFaultIntegrity    Outcome = "fault_integrity"
	OutcomeFaultSizeMismatch Outcome = "fault_size_mismatch"
	OutcomeFaultCommit       Outcome = "fault_commit"
	OutcomeFaultState        Outcome = "fault_state"
)

// Done reports whether the object now exists remotely because of this run.
func (o Outcome) Done() bool {
	return o == OutcomeRapidUploaded || o == OutcomeCommitted
}

// Skipped reports whether the file was intentionally not uploaded.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedEmpty, OutcomeSkippedTooLarge, OutcomeSkippedExists, OutcomeHashOnlyMissed:
		return true
	}
	return false
}

// FileEvent records the terminal outcome of one file.
type FileEvent struct {
	ID         string
	LocalPath  string
	RemotePath string
	Size       int64
	Outcome    Outcome
	Detail     string
	CreatedAt  time.Time
}

// Journal receives file outcomes. Recording failures never fail the upload.
type Journal interface {
	RecordFile(ev *FileEvent) error
}

// NopJournal discards events.
type NopJournal struct{}

func (NopJournal) RecordFile(*FileEvent) error { return nil }

// Summary counts outcomes of one run.
type Summary struct {
	Committed     int
	RapidUploaded int
	Skipped       int
	Failed        int
	ScanFaults    int
}

func (s *Summary) add(o Outcome) {
	switch {
	case o == OutcomeCommitted:
		s.Committed++
	case o == OutcomeRapidUploaded:
		s.RapidUploaded++
	case o.Skipped():
		s.Skipped++
	default:
		s.Failed++
	}
}

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
