package journal_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/earlyshield/dashboard/internal/journal"
	"github.com/earlyshield/dashboard/internal/store"
)

func openMem(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_Empty(t *testing.T) {
	j := openMem(t)
	if n := j.Count(); n != 0 {
		t.Errorf("Count = %d after open, want 0", n)
	}
	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent returned %d entries, want 0", len(got))
	}
}

func TestRecord_RecentNewestFirst(t *testing.T) {
	j := openMem(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, op := range []string{"refresh", "add signal", "mark notification read"} {
		a := store.Activity{Op: op, Target: fmt.Sprint(i), OK: i != 1, At: base.Add(time.Duration(i) * time.Minute)}
		if i == 1 {
			a.Message = "HTTP error 503"
		}
		if err := j.Record(ctx, a); err != nil {
			t.Fatalf("Record(%s): %v", op, err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(got))
	}
	if got[0].Op != "mark notification read" || got[1].Op != "add signal" {
		t.Errorf("order = [%s, %s], want newest first", got[0].Op, got[1].Op)
	}
	if got[1].OK || got[1].Message != "HTTP error 503" {
		t.Errorf("failed entry = %+v", got[1])
	}
	if !got[0].At.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("At = %v, want %v", got[0].At, base.Add(2*time.Minute))
	}
	if j.Count() != 3 {
		t.Errorf("Count = %d, want 3", j.Count())
	}
}

func TestRecent_NonPositive(t *testing.T) {
	j := openMem(t)
	got, err := j.Recent(context.Background(), 0)
	if err != nil || got != nil {
		t.Errorf("Recent(0) = %v, %v; want nil, nil", got, err)
	}
}

func TestRecord_ZeroTimeDefaultsToNow(t *testing.T) {
	j := openMem(t)
	before := time.Now().Add(-time.Second)
	if err := j.Record(context.Background(), store.Activity{Op: "refresh", OK: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, _ := j.Recent(context.Background(), 1)
	if len(got) != 1 || got[0].At.Before(before) {
		t.Errorf("At = %v, want a recent timestamp", got)
	}
}

func TestPrune_RemovesOlderEntries(t *testing.T) {
	j := openMem(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{base.Add(-time.Hour), base.Add(-time.Millisecond), base, base.Add(500 * time.Millisecond)} {
		if err := j.Record(ctx, store.Activity{Op: "refresh", OK: true, At: at}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := j.Prune(ctx, base)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
	if j.Count() != 2 {
		t.Errorf("Count = %d after prune, want 2", j.Count())
	}
}

func TestRecord_Concurrent(t *testing.T) {
	j := openMem(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := j.Record(ctx, store.Activity{Op: "set signal status", Target: fmt.Sprint(i), OK: true}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if j.Count() != 20 {
		t.Errorf("Count = %d, want 20", j.Count())
	}
}

func TestOpen_FileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.db")
	ctx := context.Background()

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(ctx, store.Activity{Op: "refresh", OK: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	_ = j.Close()

	j, err = journal.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if j.Count() != 1 {
		t.Errorf("Count after reopen = %d, want 1", j.Count())
	}
}
