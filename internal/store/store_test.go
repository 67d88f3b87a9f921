package store

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/radar"
	"github.com/banshee-data/radarhub/internal/timeutil"
)

var epoch = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "radarhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot(angular, radial int) radar.Snapshot {
	hits := make([]int64, angular*radial)
	for i := range hits {
		hits[i] = epoch.Add(-time.Duration(i) * time.Second).UnixNano()
	}
	return radar.Snapshot{
		AngularRes:   angular,
		RadialRes:    radial,
		SweepDeg:     97.5,
		TakenAt:      epoch,
		HitUnixNanos: hits,
	}
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.False(t, dirty)

	// reopening an up-to-date database is a no-op
	require.NoError(t, s.MigrateUp())

	for _, table := range []string{"grid_snapshot", "command_log"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SaveSnapshot(context.Background(), "unit", testSnapshot(2, 2), "test")
	require.NoError(t, err)
	_, err = s.LatestSnapshot(context.Background(), "unit")
	require.NoError(t, err)
}

func TestMigrateDown(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	var n int
	err = s.DB().QueryRow(`SELECT count(*) FROM sqlite_master WHERE name='command_log'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSerializeHits_RoundTrip(t *testing.T) {
	hits := testSnapshot(30, 4).HitUnixNanos
	blob, err := serializeHits(hits)
	require.NoError(t, err)

	got, err := deserializeHits(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(hits, got); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}

	_, err = deserializeHits(nil)
	assert.Error(t, err)
	_, err = deserializeHits([]byte("not gzip"))
	assert.Error(t, err)
}

func TestSaveSnapshot_KeepsOnlyLatestPerSensor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.SaveSnapshot(ctx, "unit-a", testSnapshot(30, 4), "periodic")
	require.NoError(t, err)

	second := testSnapshot(30, 4)
	second.SweepDeg = 12
	second.TakenAt = epoch.Add(time.Minute)
	secondID, err := s.SaveSnapshot(ctx, "unit-a", second, "shutdown")
	require.NoError(t, err)
	assert.NotEqual(t, first, secondID)

	_, err = s.SaveSnapshot(ctx, "unit-b", testSnapshot(2, 2), "periodic")
	require.NoError(t, err)

	var rows int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM grid_snapshot`).Scan(&rows))
	assert.Equal(t, 2, rows, "one row per sensor")

	rec, err := s.LatestSnapshot(ctx, "unit-a")
	require.NoError(t, err)
	assert.Equal(t, secondID, rec.ID)
	assert.Equal(t, "shutdown", rec.Reason)
	assert.Equal(t, 12.0, rec.Snapshot.SweepDeg)
	assert.True(t, rec.Snapshot.TakenAt.Equal(second.TakenAt))
	if diff := cmp.Diff(second.HitUnixNanos, rec.Snapshot.HitUnixNanos); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveSnapshot_RejectsInconsistentShape(t *testing.T) {
	s := openTestStore(t)
	snap := testSnapshot(3, 3)
	snap.HitUnixNanos = snap.HitUnixNanos[:4]
	_, err := s.SaveSnapshot(context.Background(), "unit", snap, "test")
	assert.Error(t, err)
}

func TestLatestSnapshot_Missing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LatestSnapshot(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = s.SaveSnapshot(context.Background(), "unit", testSnapshot(2, 2), "test")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSnapshot(context.Background(), "unit"))
	_, err = s.LatestSnapshot(context.Background(), "unit")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRecordCommand_TrimsToLimit(t *testing.T) {
	s := openTestStore(t)
	s.SetCommandLogLimit(3)
	clock := timeutil.NewMockClock(epoch)
	s.now = clock.Now

	for _, c := range []string{"A", "B", "C", "D", "E"} {
		require.NoError(t, s.RecordCommand("192.168.1.40", c, c != "D"))
		clock.Advance(time.Second)
	}

	got, err := s.RecentCommands(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"E", "D", "C"}, []string{got[0].Command, got[1].Command, got[2].Command})
	assert.False(t, got[1].Sent)
	assert.True(t, got[0].Sent)
	assert.Equal(t, "192.168.1.40", got[0].SensorIP)
	assert.True(t, got[0].RecordedAt.Equal(epoch.Add(4*time.Second)))

	limited, err := s.RecentCommands(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordCommand("10.0.0.1", "PING", true))

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "radarhub-backup-")

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:15]) == "SQLite format 3", "backup should be a SQLite file")
}

func TestAttachAdminRoutes_TailSQLMounted(t *testing.T) {
	s := openTestStore(t)
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusNotFound, w.Code)
	assert.Less(t, w.Code, 500)
}

func TestPersister_PeriodicAndFinalSave(t *testing.T) {
	s := openTestStore(t)
	clock := timeutil.NewMockClock(epoch)
	model := radar.New(30, 4, radar.WithClock(clock))
	p := NewPersister(s, model, "unit", time.Minute, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, 2*time.Second, time.Millisecond)

	model.AddDetection(45, 0.37)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		rec, err := s.LatestSnapshot(context.Background(), "unit")
		return err == nil && rec.Reason == "periodic"
	}, 2*time.Second, time.Millisecond)

	model.SetCurrentSweepAngle(33)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	rec, err := s.LatestSnapshot(context.Background(), "unit")
	require.NoError(t, err)
	assert.Equal(t, "shutdown", rec.Reason)
	assert.Equal(t, 33.0, rec.Snapshot.SweepDeg)
}

func TestRestoreLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)

	fresh := radar.New(30, 4, radar.WithClock(clock))
	ok, err := RestoreLatest(ctx, s, fresh, "unit")
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored yet")

	before := radar.New(30, 4, radar.WithClock(clock))
	before.AddDetection(45, 0.37)
	before.SetCurrentSweepAngle(45)
	_, err = NewPersister(s, before, "unit", 0, clock).PersistNow(ctx, "manual")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	after := radar.New(30, 4, radar.WithClock(clock))
	ok, err = RestoreLatest(ctx, s, after, "unit")
	require.NoError(t, err)
	require.True(t, ok)

	idx, _ := after.CellIndex(45, 0.37)
	assert.InDelta(t, 10.0, after.CellHitTimes()[idx], 1e-6)
	assert.Equal(t, 45.0, after.CurrentSweepAngle())

	mismatched := radar.New(12, 4, radar.WithClock(clock))
	_, err = RestoreLatest(ctx, s, mismatched, "unit")
	assert.True(t, errors.Is(err, radar.ErrDimensionMismatch))
}
