package storage

import (
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

const (
	// FailureLogKey is where the history of permanently failed writes is stored.
	FailureLogKey = "clinicsync:failed_operations"

	// MaxFailureLog is how many failures the history keeps, newest last.
	MaxFailureLog = 100
)

// FailedOperation is one entry of the failure history.
// It outlives the queue record, which cleanup eventually purges.
type FailedOperation struct {
	Operation models.OperationRecord `json:"operation" msgpack:"operation"`
	Error     string                 `json:"error" msgpack:"error"`
	FailedAt  time.Time              `json:"failed_at" msgpack:"failed_at"`
}

type failureLog struct {
	Entries []FailedOperation `json:"entries" msgpack:"entries"`
}

// RecordFailure appends entry to the failure history, keeping the last MaxFailureLog.
func (s *QueueStore) RecordFailure(entry FailedOperation) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	entries := s.failures()
	entries = append(entries, entry)
	if len(entries) > MaxFailureLog {
		entries = entries[len(entries)-MaxFailureLog:]
	}

	data, err := s.encode(failureLog{Entries: entries})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to encode failure log", err)
	}
	if err := s.kv.Set(FailureLogKey, data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to write failure log", err)
	}
	return nil
}

// Failures returns the failure history, oldest first.
func (s *QueueStore) Failures() []FailedOperation {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures()
}

func (s *QueueStore) failures() []FailedOperation {
	raw, err := s.kv.Get(FailureLogKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.logger.Warn("failed to read failure log", zap.Error(err))
		}
		return []FailedOperation{}
	}

	var log failureLog
	if err := s.decode(raw, &log); err != nil {
		s.logger.Warn("failure log is corrupt, starting over", zap.Error(err))
		return []FailedOperation{}
	}
	if log.Entries == nil {
		return []FailedOperation{}
	}
	return log.Entries
}
