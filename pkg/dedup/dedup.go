// Package dedup implements the distributed deduplication store:
// atomic check-and-claim semantics over Redis, keyed by fingerprint,
// with TTL expiration and status tracking.
package dedup

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/metrics"
)

// Status is a PipelineRecord's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the state carried in the store for one fingerprint.
type Record struct {
	Status       Status    `json:"status"`
	MonitorID    string    `json:"monitor_id,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	ClaimedAt    time.Time `json:"claimed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	PRURL        string    `json:"pr_url,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
}

// maxErrorLength bounds LastError so a single pathological error
// message cannot balloon a Redis value.
const maxErrorLength = 2000

// Store is the redis-backed deduplication store.
type Store struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  logr.Logger
	metrics metrics.Collector
}

// New constructs a Store. prefix namespaces every key as
// "<prefix>:failure:<fingerprint>", matching the persisted-state
// layout named in the spec.
func New(client *redis.Client, prefix string, ttl time.Duration, logger logr.Logger, collector metrics.Collector) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl, logger: logger, metrics: collector}
}

func (s *Store) key(fingerprint string) string {
	return s.prefix + ":failure:" + fingerprint
}

// redactedAddr returns the store's connection target with any
// credentials stripped, safe to log.
func redactedAddr(addr string) string {
	if idx := strings.Index(addr, "@"); idx != -1 {
		return "redacted@" + addr[idx+1:]
	}
	return addr
}

// Claim atomically creates an in-progress record if one is absent (or
// the prior record there is Failed, which is re-claimable) and
// returns whether this caller now owns processing. This is the only
// primitive with race-free semantics — it must be the sole admission
// gate; Status is a read-only shortcut and must never substitute for it.
func (s *Store) Claim(ctx context.Context, fingerprint, monitorID, resourceID string) (bool, error) {
	key := s.key(fingerprint)

	rec := Record{
		Status:     StatusInProgress,
		MonitorID:  monitorID,
		ResourceID: resourceID,
		ClaimedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, terrafixerrors.New(terrafixerrors.KindDedupStore, false, "marshal claim record", err)
	}

	ok, err := s.client.SetNX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return false, s.storeError("claim fingerprint", err)
	}
	if ok {
		return true, nil
	}

	// Key exists: re-claimable only if the existing record is Failed.
	existing, err := s.readRecord(ctx, key)
	if err != nil {
		if err == redis.Nil {
			// Raced with a concurrent expiry between SetNX and GET; treat
			// as lost the race rather than retry, since a retry here
			// could itself race with another worker's claim.
			return false, nil
		}
		return false, s.storeError("read existing record for claim", err)
	}
	if existing.Status != StatusFailed {
		return false, nil
	}

	rec.AttemptCount = existing.AttemptCount + 1
	payload, err = json.Marshal(rec)
	if err != nil {
		return false, terrafixerrors.New(terrafixerrors.KindDedupStore, false, "marshal re-claim record", err)
	}

	// GETSET-style re-claim: only succeeds if the record is still
	// Failed at the moment of the write, using a WATCH transaction to
	// avoid clobbering a concurrent winner.
	claimed := false
	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.readRecord(ctx, key)
		if err != nil {
			if err == redis.Nil {
				// Expired between our read and the watch; claim fresh.
				_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, payload, s.ttl)
					return nil
				})
				if pipeErr == nil {
					claimed = true
				}
				return pipeErr
			}
			return err
		}
		if current.Status != StatusFailed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, key)
	if txErr != nil && txErr != redis.TxFailedErr {
		return false, s.storeError("re-claim failed fingerprint", txErr)
	}
	return claimed, nil
}

// MarkInProgress enriches the claimed record's metadata. Best-effort:
// callers should not block the pipeline on its failure.
func (s *Store) MarkInProgress(ctx context.Context, fingerprint, monitorID, resourceID string) error {
	return s.update(ctx, fingerprint, func(rec *Record) {
		rec.Status = StatusInProgress
		rec.MonitorID = monitorID
		rec.ResourceID = resourceID
	})
}

// MarkProcessed transitions the record to completed and refreshes TTL.
func (s *Store) MarkProcessed(ctx context.Context, fingerprint, prURL string) error {
	return s.update(ctx, fingerprint, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.PRURL = prURL
		rec.LastError = ""
	})
}

// MarkFailed transitions the record to failed, truncating the error
// message to a bounded length.
func (s *Store) MarkFailed(ctx context.Context, fingerprint string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return s.update(ctx, fingerprint, func(rec *Record) {
		rec.Status = StatusFailed
		rec.LastError = msg
	})
}

func (s *Store) update(ctx context.Context, fingerprint string, mutate func(*Record)) error {
	key := s.key(fingerprint)
	rec, err := s.readRecord(ctx, key)
	if err != nil {
		if err == redis.Nil {
			rec = &Record{ClaimedAt: time.Now()}
		} else {
			return s.storeError("read record before update", err)
		}
	}
	mutate(rec)
	rec.UpdatedAt = time.Now()

	payload, err := json.Marshal(rec)
	if err != nil {
		return terrafixerrors.New(terrafixerrors.KindDedupStore, false, "marshal updated record", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return s.storeError("write updated record", err)
	}
	return nil
}

// Status reads the current status of fingerprint, or ("", false) if
// no record exists.
func (s *Store) Status(ctx context.Context, fingerprint string) (Status, bool, error) {
	rec, err := s.readRecord(ctx, s.key(fingerprint))
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, s.storeError("read status", err)
	}
	return rec.Status, true, nil
}

// IsAlreadyProcessed is a read-only shortcut for display/reporting
// purposes. It must never be used as an admission gate — Claim is the
// sole race-free primitive.
func (s *Store) IsAlreadyProcessed(ctx context.Context, fingerprint string) (bool, error) {
	status, found, err := s.Status(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	return found && status == StatusCompleted, nil
}

func (s *Store) readRecord(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindDedupStore, false, "unmarshal record", err)
	}
	return &rec, nil
}

// Statistics scans the store and returns aggregate counts by status.
func (s *Store) Statistics(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{}
	iter := s.client.Scan(ctx, 0, s.prefix+":failure:*", 100).Iterator()
	for iter.Next(ctx) {
		rec, err := s.readRecord(ctx, iter.Val())
		if err != nil {
			continue
		}
		counts[rec.Status]++
	}
	if err := iter.Err(); err != nil {
		return nil, s.storeError("scan records for statistics", err)
	}
	return counts, nil
}

func (s *Store) storeError(operation string, cause error) error {
	opts := s.client.Options()
	s.logger.Error(cause, operation, "addr", redactedAddr(opts.Addr))
	// dedup-store errors are non-retryable: surfaced to the log, the
	// pipeline continues per the error taxonomy.
	return terrafixerrors.New(terrafixerrors.KindDedupStore, false, operation, cause)
}
