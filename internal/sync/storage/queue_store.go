package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/crypto"
	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

// LastSyncKey is where the marker of the most recent pass is stored.
const LastSyncKey = "clinicsync:last_sync"

// SyncMarker records when the last pass that attempted work finished.
type SyncMarker struct {
	At         time.Time `json:"at" msgpack:"at"`
	Successful bool      `json:"successful" msgpack:"successful"`
}

// QueueStore loads and saves the whole operation queue under a fixed key.
type QueueStore struct {
	kv     KV
	codec  Codec
	sealer *crypto.Sealer
	logger *zap.Logger
	now    func() time.Time

	failMu sync.Mutex
}

// Option configures a QueueStore.
type Option func(*QueueStore)

// WithCodec sets the codec used for writes. Reads detect the codec from the data.
func WithCodec(c Codec) Option {
	return func(s *QueueStore) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithSealer encrypts saved blobs. Existing plaintext blobs stay readable.
func WithSealer(sealer *crypto.Sealer) Option {
	return func(s *QueueStore) { s.sealer = sealer }
}

// WithLogger sets the logger for load warnings.
func WithLogger(l *zap.Logger) Option {
	return func(s *QueueStore) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the time source used for SavedAt.
func WithClock(now func() time.Time) Option {
	return func(s *QueueStore) { s.now = now }
}

// NewQueueStore creates a store over kv.
func NewQueueStore(kv KV, opts ...Option) *QueueStore {
	s := &QueueStore{
		kv:     kv,
		codec:  JSONCodec{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the persisted queue in FIFO order.
// Missing or unreadable data yields an empty queue; corruption is logged, never fatal.
//
// Records saved while in flight return to pending without consuming an attempt,
// and succeeded records are dropped.
func (s *QueueStore) Load() []*models.OperationRecord {
	key := models.QueueSnapshot{}.StorageKey()

	raw, err := s.kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return []*models.OperationRecord{}
	}
	if err != nil {
		s.logger.Warn("failed to read persisted queue, starting empty", zap.Error(err))
		return []*models.OperationRecord{}
	}

	var snap models.QueueSnapshot
	if err := s.decode(raw, &snap); err != nil {
		s.logger.Warn("persisted queue is corrupt, starting empty",
			zap.Int("bytes", len(raw)), zap.Error(err))
		return []*models.OperationRecord{}
	}

	if snap.SchemaVersion > models.QueueSchemaVersion {
		s.logger.Warn("persisted queue has an unknown schema version, starting empty",
			zap.Int("schema_version", snap.SchemaVersion),
			zap.Int("supported", models.QueueSchemaVersion))
		return []*models.OperationRecord{}
	}

	return s.normalize(snap.Records)
}

func (s *QueueStore) normalize(in []*models.OperationRecord) []*models.OperationRecord {
	out := make([]*models.OperationRecord, 0, len(in))
	seen := make(map[string]bool, len(in))

	for _, rec := range in {
		if rec == nil || rec.ID == "" || seen[rec.ID] {
			s.logger.Warn("dropping unreadable queue record")
			continue
		}
		seen[rec.ID] = true
		if !rec.Kind.Valid() {
			s.logger.Warn("queue record has unknown kind, marking failed",
				zap.String("operation_id", rec.ID), zap.String("kind", string(rec.Kind)))
			if rec.State != models.StateFailed {
				at := s.now().UTC()
				rec.State = models.StateFailed
				rec.LastError = fmt.Sprintf("unknown operation kind %q", rec.Kind)
				rec.FailedAt = &at
			}
			out = append(out, rec)
			continue
		}

		switch rec.State {
		case models.StateSucceeded:
			continue
		case models.StateInFlight:
			rec.State = models.StatePending
		case models.StatePending, models.StateFailed:
		default:
			s.logger.Warn("queue record has unknown state, treating as pending",
				zap.String("operation_id", rec.ID), zap.String("state", string(rec.State)))
			rec.State = models.StatePending
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Save overwrites the persisted queue with records.
func (s *QueueStore) Save(records []*models.OperationRecord) error {
	if records == nil {
		records = []*models.OperationRecord{}
	}
	snap := models.QueueSnapshot{
		SchemaVersion: models.QueueSchemaVersion,
		SavedAt:       s.now().UTC(),
		Records:       records,
	}

	data, err := s.encode(snap)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to encode queue", err)
	}
	if err := s.kv.Set(snap.StorageKey(), data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to write queue", err)
	}
	return nil
}

// LoadLastSync returns the stored marker, if any.
func (s *QueueStore) LoadLastSync() (SyncMarker, bool) {
	raw, err := s.kv.Get(LastSyncKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.logger.Warn("failed to read last sync marker", zap.Error(err))
		}
		return SyncMarker{}, false
	}

	var m SyncMarker
	if err := s.decode(raw, &m); err != nil {
		s.logger.Warn("last sync marker is corrupt", zap.Error(err))
		return SyncMarker{}, false
	}
	return m, !m.At.IsZero()
}

// SaveLastSync stores the marker.
func (s *QueueStore) SaveLastSync(m SyncMarker) error {
	data, err := s.encode(m)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to encode last sync marker", err)
	}
	if err := s.kv.Set(LastSyncKey, data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to write last sync marker", err)
	}
	return nil
}

// Clear removes everything the store owns.
func (s *QueueStore) Clear() error {
	if err := s.kv.Delete(models.QueueSnapshot{}.StorageKey()); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to delete queue", err)
	}
	if err := s.kv.Delete(LastSyncKey); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to delete last sync marker", err)
	}
	if err := s.kv.Delete(FailureLogKey); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to delete failure log", err)
	}
	return nil
}

// Close closes the backend.
func (s *QueueStore) Close() error {
	return s.kv.Close()
}

func (s *QueueStore) encode(v interface{}) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return data, nil
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to seal queue", err)
	}
	return sealed, nil
}

func (s *QueueStore) decode(raw []byte, v interface{}) error {
	data := raw
	if crypto.IsSealed(raw) {
		if s.sealer == nil {
			return apperrors.New(apperrors.ErrCorruptQueue, "queue is encrypted but no key is configured")
		}
		opened, err := s.sealer.Open(raw)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to open queue", err)
		}
		data = opened
	}
	if len(data) == 0 {
		return apperrors.New(apperrors.ErrCorruptQueue, "empty queue blob")
	}

	if err := detectCodec(data).Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrCorruptQueue, fmt.Sprintf("failed to decode %s", detectCodec(data).Name()), err)
	}
	return nil
}

// detectCodec picks JSON for blobs that open with an object brace, msgpack otherwise,
// so switching storage.codec keeps the existing queue readable.
func detectCodec(data []byte) Codec {
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if b == '{' {
			return JSONCodec{}
		}
		return MsgpackCodec{}
	}
	return MsgpackCodec{}
}
