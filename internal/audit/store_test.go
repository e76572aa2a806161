package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entryAt(id string, ts time.Time, outcome, kind, host string) Entry {
	return Entry{
		ID:        id,
		Timestamp: FormatTime(ts),
		URL:       "http://" + host + "/",
		Host:      host,
		Address:   "93.184.216.34",
		Outcome:   outcome,
		Kind:      kind,
		LatencyUs: 120,
	}
}

func TestWriteAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entries := []Entry{
		entryAt("d1", now.Add(-3*time.Minute), "allowed", "", "example.com"),
		entryAt("d2", now.Add(-2*time.Minute), "denied", "private_address_denied", "internal.example"),
		entryAt("d3", now.Add(-1*time.Minute), "denied", "invalid_protocol", "example.com"),
		entryAt("d4", now, "bypass", "", "localhost"),
	}
	for _, e := range entries {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
	if all[0].ID != "d4" || all[3].ID != "d1" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[3].ID)
	}
	if all[3].Address != "93.184.216.34" || all[3].LatencyUs != 120 {
		t.Errorf("round trip lost fields: %+v", all[3])
	}

	denied, err := store.Query(ctx, QueryOpts{Outcome: "denied"})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 2 {
		t.Errorf("denied = %d, want 2", len(denied))
	}

	byKind, _ := store.Query(ctx, QueryOpts{Kind: "private_address_denied"})
	if len(byKind) != 1 || byKind[0].Host != "internal.example" {
		t.Errorf("kind filter = %+v", byKind)
	}

	byHost, _ := store.Query(ctx, QueryOpts{Host: "example.com"})
	if len(byHost) != 2 {
		t.Errorf("host filter = %d, want 2", len(byHost))
	}

	recent, _ := store.Query(ctx, QueryOpts{Since: now.Add(-90 * time.Second)})
	if len(recent) != 2 {
		t.Errorf("since filter = %d, want 2", len(recent))
	}

	limited, _ := store.Query(ctx, QueryOpts{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "d4" {
		t.Errorf("limit = %+v", limited)
	}
}

func TestQueryDefaultLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for i := range 60 {
		e := entryAt("n"+strconv.Itoa(i), now.Add(time.Duration(i)*time.Millisecond), "allowed", "", "example.com")
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("got %d, want default limit 50", len(got))
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, e := range []Entry{
		entryAt("s1", now.Add(-2*time.Hour), "denied", "private_address_denied", "old.example"),
		entryAt("s2", now, "allowed", "", "example.com"),
		entryAt("s3", now, "denied", "private_address_denied", "internal.example"),
		entryAt("s4", now, "denied", "dns_resolution_error", "nx.example"),
		entryAt("s5", now, "bypass", "", "localhost"),
	} {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 5 || st.Allowed != 1 || st.Denied != 3 || st.Bypass != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByKind["private_address_denied"] != 2 || st.ByKind["dns_resolution_error"] != 1 {
		t.Errorf("by kind = %+v", st.ByKind)
	}

	recent, err := store.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if recent.Total != 4 || recent.ByKind["private_address_denied"] != 1 {
		t.Errorf("recent stats = %+v", recent)
	}
}

func TestPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = store.Write(ctx, entryAt("p1", now.Add(-48*time.Hour), "allowed", "", "example.com"))
	_ = store.Write(ctx, entryAt("p2", now.Add(-25*time.Hour), "denied", "invalid_url", ""))
	_ = store.Write(ctx, entryAt("p3", now, "allowed", "", "example.com"))

	n, err := store.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	left, _ := store.Query(ctx, QueryOpts{})
	if len(left) != 1 || left[0].ID != "p3" {
		t.Errorf("left = %+v", left)
	}
}

func TestRunRetention(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = store.Write(ctx, entryAt("r1", time.Now().Add(-time.Hour), "allowed", "", "example.com"))
	go store.RunRetention(ctx, time.Minute, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		left, err := store.Query(ctx, QueryOpts{})
		if err != nil {
			t.Fatal(err)
		}
		if len(left) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retention did not purge the old decision")
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM decisions WHERE outcome = ? AND host = ? LIMIT 5"

	sqlite := &Store{driver: "sqlite"}
	if got := sqlite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}

	pg := &Store{driver: "postgres"}
	want := "SELECT * FROM decisions WHERE outcome = $1 AND host = $2 LIMIT 5"
	if got := pg.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestTimeFormatOrdersLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	c := a.Add(time.Second)
	if !(FormatTime(a) < FormatTime(b) && FormatTime(b) < FormatTime(c)) {
		t.Errorf("timestamps not ordered: %s %s %s", FormatTime(a), FormatTime(b), FormatTime(c))
	}
	if FormatTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 2*3600))) != "2025-01-01T10:00:00.000000Z" {
		t.Error("timestamps must be stored in UTC")
	}
}
