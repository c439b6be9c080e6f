package dedup

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/terrafix/terrafix/pkg/logging"
	"github.com/terrafix/terrafix/pkg/metrics"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	collector := metrics.New(nil)
	return New(client, "terrafix", time.Hour, logging.NewNop(), collector), mr
}

func TestClaimFirstTimeSucceeds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	claimed, err := store.Claim(ctx, "fp1", "monitor-1", "arn:1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim on a new fingerprint to succeed")
	}
}

func TestClaimInProgressIsNotReclaimable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if claimed, err := store.Claim(ctx, "fp1", "m1", "r1"); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	claimed, err := store.Claim(ctx, "fp1", "m1", "r1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed {
		t.Error("expected second claim against an in-progress fingerprint to fail")
	}
}

func TestClaimCompletedIsNotReclaimable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if _, err := store.Claim(ctx, "fp1", "m1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkProcessed(ctx, "fp1", "https://example.com/pr/1"); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.Claim(ctx, "fp1", "m1", "r1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed {
		t.Error("expected a completed fingerprint not to be reclaimable")
	}
}

func TestClaimFailedIsReclaimableAndIncrementsAttemptCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if _, err := store.Claim(ctx, "fp1", "m1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "fp1", errBoom); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.Claim(ctx, "fp1", "m1", "r1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected a failed fingerprint to be reclaimable")
	}

	status, found, err := store.Status(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || status != StatusInProgress {
		t.Errorf("status = %q, found = %v; want in-progress", status, found)
	}

	rec, err := store.readRecord(ctx, store.key("fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 after one re-claim", rec.AttemptCount)
	}
}

func TestMarkFailedTruncatesLongErrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if _, err := store.Claim(ctx, "fp1", "m1", "r1"); err != nil {
		t.Fatal(err)
	}

	long := make([]byte, maxErrorLength+500)
	for i := range long {
		long[i] = 'x'
	}
	if err := store.MarkFailed(ctx, "fp1", errorString(string(long))); err != nil {
		t.Fatal(err)
	}

	rec, err := store.readRecord(ctx, store.key("fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.LastError) != maxErrorLength {
		t.Errorf("LastError length = %d, want %d", len(rec.LastError), maxErrorLength)
	}
}

func TestStatusUnknownFingerprint(t *testing.T) {
	store, _ := newTestStore(t)
	_, found, err := store.Status(t.Context(), "never-claimed")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected an unclaimed fingerprint to report not found")
	}
}

func TestStatisticsCountsByStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if _, err := store.Claim(ctx, "fp-progress", "m", "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "fp-done", "m", "r"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkProcessed(ctx, "fp-done", "https://example.com/pr/2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "fp-failed", "m", "r"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "fp-failed", errBoom); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[StatusInProgress] != 1 || stats[StatusCompleted] != 1 || stats[StatusFailed] != 1 {
		t.Errorf("stats = %+v, want one of each status", stats)
	}
}

func TestExpiredRecordIsReclaimableAsFresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := New(client, "terrafix", time.Minute, logging.NewNop(), metrics.New(nil))
	ctx := t.Context()

	if _, err := store.Claim(ctx, "fp1", "m1", "r1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	claimed, err := store.Claim(ctx, "fp1", "m2", "r2")
	if err != nil {
		t.Fatalf("Claim after expiry: %v", err)
	}
	if !claimed {
		t.Error("expected an expired fingerprint to be freely claimable")
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

var errBoom = errorString("boom")
