package oracle

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketScores   = []byte("scores")
	bucketRequests = []byte("requests")
	bucketMeta     = []byte("meta")
	keyLastUpdated = []byte("last_updated")
)

type storedSample struct {
	Subject    string `json:"subject"`
	Score      string `json:"score"`
	Source     string `json:"source"`
	ObservedAt int64  `json:"observedAt"`
}

// Store persists score submissions and outstanding requests so a restart does
// not lose operator input gathered between settlement windows.
type Store struct {
	db *bbolt.DB
}

// NewStore opens (or creates) the persistence database.
func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketScores); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRequests); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records a sample and clears any outstanding request for its subject.
func (s *Store) Put(sample Sample) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("oracle store not initialised")
	}
	subject := strings.TrimSpace(sample.Subject)
	if subject == "" {
		return fmt.Errorf("oracle store: subject required")
	}
	if sample.Score == nil {
		return fmt.Errorf("oracle store: score required")
	}
	payload, err := json.Marshal(storedSample{
		Subject:    subject,
		Score:      sample.Score.String(),
		Source:     sample.Source,
		ObservedAt: sample.ObservedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketScores).Put([]byte(subject), payload); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequests).Delete([]byte(subject)); err != nil {
			return err
		}
		stamp := make([]byte, 8)
		binary.BigEndian.PutUint64(stamp, uint64(sample.ObservedAt))
		return tx.Bucket(bucketMeta).Put(keyLastUpdated, stamp)
	})
}

// Get returns the recorded sample for a subject.
func (s *Store) Get(subject string) (Sample, bool, error) {
	if s == nil || s.db == nil {
		return Sample{}, false, fmt.Errorf("oracle store not initialised")
	}
	var (
		sample Sample
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketScores).Get([]byte(strings.TrimSpace(subject)))
		if raw == nil {
			return nil
		}
		var record storedSample
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("oracle store: decode %s: %w", subject, err)
		}
		score, ok := new(big.Int).SetString(record.Score, 10)
		if !ok {
			return fmt.Errorf("oracle store: corrupt score for %s", subject)
		}
		sample = Sample{Subject: record.Subject, Score: score, Source: record.Source, ObservedAt: record.ObservedAt}
		found = true
		return nil
	})
	return sample, found, err
}

// List returns every recorded sample sorted by subject.
func (s *Store) List() ([]Sample, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("oracle store not initialised")
	}
	out := make([]Sample, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScores).ForEach(func(_, raw []byte) error {
			var record storedSample
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			score, ok := new(big.Int).SetString(record.Score, 10)
			if !ok {
				return fmt.Errorf("oracle store: corrupt score for %s", record.Subject)
			}
			out = append(out, Sample{Subject: record.Subject, Score: score, Source: record.Source, ObservedAt: record.ObservedAt})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

// Request flags a subject as awaiting data unless a score already exists.
func (s *Store) Request(subject string, requestedAt int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("oracle store not initialised")
	}
	trimmed := strings.TrimSpace(subject)
	if trimmed == "" {
		return fmt.Errorf("oracle store: subject required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketScores).Get([]byte(trimmed)) != nil {
			return nil
		}
		stamp := make([]byte, 8)
		binary.BigEndian.PutUint64(stamp, uint64(requestedAt))
		return tx.Bucket(bucketRequests).Put([]byte(trimmed), stamp)
	})
}

// Requests lists subjects with an outstanding score request in key order.
func (s *Store) Requests() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("oracle store not initialised")
	}
	out := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(key, _ []byte) error {
			out = append(out, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastUpdated reports the observation time of the most recent submission, or
// zero when the store is empty.
func (s *Store) LastUpdated() (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("oracle store not initialised")
	}
	var stamp int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLastUpdated)
		if len(raw) == 8 {
			stamp = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return stamp, err
}

// PersistentOracle adapts a Store to the engine's score oracle surface.
type PersistentOracle struct {
	store *Store
	nowFn func() int64
}

// NewPersistentOracle wraps the store.
func NewPersistentOracle(store *Store) *PersistentOracle {
	return &PersistentOracle{store: store, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the observation timestamp source.
func (o *PersistentOracle) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	o.nowFn = now
}

// Submit validates and persists a score observation.
func (o *PersistentOracle) Submit(subject string, score *big.Int, source string) error {
	if o == nil || o.store == nil {
		return fmt.Errorf("oracle: not configured")
	}
	if score == nil || score.Sign() < 0 {
		return fmt.Errorf("oracle: score must be non-negative")
	}
	return o.store.Put(Sample{
		Subject:    subject,
		Score:      score,
		Source:     source,
		ObservedAt: o.nowFn(),
	})
}

// GetScore returns the persisted score for the subject.
func (o *PersistentOracle) GetScore(subject string) (*big.Int, error) {
	if o == nil || o.store == nil {
		return nil, fmt.Errorf("oracle: not configured")
	}
	sample, found, err := o.store.Get(subject)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoScore, subject)
	}
	return sample.Score, nil
}

// RequestScore durably flags the subject for the feed pollers.
func (o *PersistentOracle) RequestScore(subject string) {
	if o == nil || o.store == nil {
		return
	}
	_ = o.store.Request(subject, o.nowFn())
}

// Pending lists subjects awaiting data.
func (o *PersistentOracle) Pending() []string {
	if o == nil || o.store == nil {
		return nil
	}
	subjects, err := o.store.Requests()
	if err != nil {
		return nil
	}
	return subjects
}
