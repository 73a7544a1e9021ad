package historical

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rubintv/services/backend/internal/artifacts"
	"rubintv/services/backend/internal/config"
	"rubintv/services/backend/internal/dayobs"
	"rubintv/services/backend/internal/models"
	"rubintv/services/backend/internal/notify"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []bool
}

func (r *statusRecorder) Publish(_ context.Context, _ notify.ServiceKey, dataType, _ string, data any) error {
	if status, ok := data.(Status); ok && dataType == notify.DataTypeHistoricalStatus {
		r.mu.Lock()
		r.statuses = append(r.statuses, status.IsBusy)
		r.mu.Unlock()
	}
	return nil
}

func (r *statusRecorder) Send(context.Context, string, notify.ServiceKey, string, string, any) error {
	return nil
}

type blockingStore struct {
	*artifacts.MemoryStore
	entered chan struct{}
	release chan struct{}
	lists   atomic.Int32
}

func (s *blockingStore) ListObjects(ctx context.Context, prefix string) ([]models.Object, error) {
	s.lists.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.ListObjects(ctx, prefix)
}

type countingStore struct {
	*artifacts.MemoryStore
	gets atomic.Int32
	fail atomic.Bool
}

func (s *countingStore) ListObjects(ctx context.Context, prefix string) ([]models.Object, error) {
	if s.fail.Load() {
		return nil, errors.New("bucket unreachable")
	}
	return s.MemoryStore.ListObjects(ctx, prefix)
}

func (s *countingStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.MemoryStore.GetObject(ctx, key)
}

func testLocations() []config.Location {
	return []config.Location{{
		Name: "summit",
		Cameras: []config.Camera{{
			Name:   "auxtel",
			Online: true,
			Channels: []config.Channel{
				{Name: "monitor"},
				{Name: "movie", PerDay: true},
			},
		}},
	}}
}

func seededStore() *artifacts.MemoryStore {
	store := artifacts.NewMemoryStore()
	for _, key := range []string{
		"auxtel/2024-01-14/monitor/000001/a.jpg",
		"auxtel/2024-01-14/monitor/000003/a.jpg",
		"auxtel/2024-01-15/monitor/000007/a.jpg",
		"auxtel/2024-01-15/movie/final/movie.mp4",
		"auxtel/2024-01-15/metadata.json",
		"auxtel/2024-01-15/night_report/summary_md.txt",
		"auxtel/2024-01-16/monitor/000001/a.jpg",
		"auxtel/2024-01-16/monitor/bad/a.jpg",
	} {
		store.Put(key, []byte(`{"7":{"seeing":0.8}}`))
	}
	return store
}

func testProvider() *dayobs.Provider {
	return dayobs.NewProvider(dayobs.NewManual(time.Date(2024, 1, 16, 18, 0, 0, 0, time.UTC)), dayobs.DefaultRolloverOffset)
}

func newTestArchive(store artifacts.Store, publisher notify.Publisher) *Archive {
	return New(testLocations(), map[string]artifacts.Store{"summit": store}, testProvider(), publisher, Options{
		CheckInterval: time.Hour,
		ListTimeout:   time.Second,
	})
}

func TestCalendarIsMonotonic(t *testing.T) {
	archive := newTestArchive(artifacts.NewMemoryStore(), nil)

	if err := archive.AddToCalendar("summit/auxtel", "2024-01-15", models.NewSeqNum(5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := archive.AddToCalendar("summit/auxtel", "2024-01-15", models.NewSeqNum(3)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := archive.AddToCalendar("summit/auxtel", "2024-01-15", models.FinalSeqNum()); err != nil {
		t.Fatalf("add: %v", err)
	}

	days, err := archive.CalendarFor("summit", "auxtel")
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	if got := days[2024][1][15]; got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if err := archive.AddToCalendar("summit/auxtel", "15-01-2024", models.NewSeqNum(1)); err == nil {
		t.Fatal("expected invalid date to be rejected")
	}
}

func TestReloadBuildsArchive(t *testing.T) {
	recorder := &statusRecorder{}
	archive := newTestArchive(seededStore(), recorder)

	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if archive.LastReloadDay() != "2024-01-16" {
		t.Fatalf("unexpected reload day %s", archive.LastReloadDay())
	}

	events, err := archive.EventsFor("summit", "auxtel", "2024-01-14")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[1].SeqNum.Int() != 3 {
		t.Fatalf("unexpected events %+v", events)
	}

	days, _ := archive.CalendarFor("summit", "auxtel")
	if days[2024][1][14] != 3 || days[2024][1][15] != 7 || days[2024][1][16] != 1 {
		t.Fatalf("unexpected calendar %+v", days)
	}

	day, ok, err := archive.MostRecentDay("summit", "auxtel")
	if err != nil || !ok || day != "2024-01-15" {
		t.Fatalf("expected most recent day 2024-01-15 excluding today, got %q ok=%v err=%v", day, ok, err)
	}

	table, err := archive.ChannelTable("summit", "auxtel", "2024-01-15")
	if err != nil || len(table) != 1 || table[7]["monitor"].Key == "" {
		t.Fatalf("unexpected table %+v err=%v", table, err)
	}
	perDay, err := archive.PerDayFor("summit", "auxtel", "2024-01-15")
	if err != nil || perDay["movie"].Filename != "movie.mp4" {
		t.Fatalf("unexpected per-day %+v err=%v", perDay, err)
	}
	reports, err := archive.NightReportFor("summit", "auxtel", "2024-01-15")
	if err != nil || len(reports) != 1 || !reports[0].IsText() {
		t.Fatalf("unexpected night report %+v err=%v", reports, err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.statuses) != 2 || !recorder.statuses[0] || recorder.statuses[1] {
		t.Fatalf("expected busy then idle status, got %v", recorder.statuses)
	}
}

func TestMostRecentDayWithOnlyToday(t *testing.T) {
	store := artifacts.NewMemoryStore()
	store.Put("auxtel/2024-01-16/monitor/000001/a.jpg", []byte("1"))
	archive := newTestArchive(store, nil)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if day, ok, err := archive.MostRecentDay("summit", "auxtel"); err != nil || ok {
		t.Fatalf("expected no historical day, got %q ok=%v err=%v", day, ok, err)
	}
}

func TestQueriesReturnBusyDuringReloadAndReloadRunsOnce(t *testing.T) {
	store := &blockingStore{
		MemoryStore: seededStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	archive := newTestArchive(store, nil)

	if _, err := archive.EventsFor("summit", "auxtel", "2024-01-14"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy before the first reload, got %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- archive.Reload(context.Background()) }()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reload never listed the store")
	}

	if !archive.IsBusy() {
		t.Fatal("expected archive to report busy")
	}
	if _, err := archive.CalendarFor("summit", "auxtel"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy during reload, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archive.Reload(context.Background()); err != nil {
				t.Errorf("joined reload failed: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	if err := <-firstDone; err != nil {
		t.Fatalf("first reload: %v", err)
	}
	if got := store.lists.Load(); got != 1 {
		t.Fatalf("expected a single reload to list the store once, got %d listings", got)
	}
	if _, err := archive.EventsFor("summit", "auxtel", "2024-01-14"); err != nil {
		t.Fatalf("expected queries to succeed after reload, got %v", err)
	}
}

func TestFailedCameraKeepsPreviousArchive(t *testing.T) {
	store := &countingStore{MemoryStore: seededStore()}
	archive := newTestArchive(store, nil)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	store.fail.Store(true)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload with failing camera should not fail the archive: %v", err)
	}

	events, err := archive.EventsFor("summit", "auxtel", "2024-01-15")
	if err != nil || len(events) != 2 {
		t.Fatalf("expected previous events to survive, got %+v err=%v", events, err)
	}
	days, _ := archive.CalendarFor("summit", "auxtel")
	if days[2024][1][15] != 7 {
		t.Fatalf("expected previous calendar to survive, got %+v", days)
	}
}

func TestMetadataForIsCached(t *testing.T) {
	store := &countingStore{MemoryStore: seededStore()}
	archive := newTestArchive(store, nil)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	for i := 0; i < 3; i++ {
		metadata, err := archive.MetadataFor(context.Background(), "summit", "auxtel", "2024-01-15")
		if err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if metadata["7"] == nil {
			t.Fatalf("unexpected metadata %v", metadata)
		}
	}
	if got := store.gets.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}

	empty, err := archive.MetadataFor(context.Background(), "summit", "auxtel", "2024-01-14")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty metadata for a day without a sidecar, got %v err=%v", empty, err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	archive := newTestArchive(artifacts.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- archive.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for archive.LastReloadDay() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("archive did not stop")
	}
}

func TestCameraFailingOnFirstReloadIsRetried(t *testing.T) {
	store := &countingStore{MemoryStore: seededStore()}
	store.fail.Store(true)
	archive := newTestArchive(store, nil)

	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload with a failing camera should not fail the archive: %v", err)
	}
	if !archive.Incomplete() || archive.LastReloadDay() != "" {
		t.Fatalf("expected an incomplete reload that does not advance the day, got incomplete=%v day=%q",
			archive.Incomplete(), archive.LastReloadDay())
	}

	if _, err := archive.EventsFor("summit", "auxtel", "2024-01-15"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected a camera that never loaded to report busy, got %v", err)
	}
	if _, err := archive.CalendarFor("summit", "auxtel"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded for the calendar, got %v", err)
	}
	if _, _, err := archive.MostRecentDay("summit", "auxtel"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected most recent day to report busy, got %v", err)
	}

	store.fail.Store(false)
	if !archive.Check(context.Background()) {
		t.Fatal("expected the next check to reload")
	}

	events, err := archive.EventsFor("summit", "auxtel", "2024-01-15")
	if err != nil || len(events) != 2 {
		t.Fatalf("expected 2 events after the retry, got %+v err=%v", events, err)
	}
	if archive.Incomplete() || archive.LastReloadDay() != "2024-01-16" {
		t.Fatalf("expected a complete reload for 2024-01-16, got incomplete=%v day=%q",
			archive.Incomplete(), archive.LastReloadDay())
	}
	if archive.Check(context.Background()) {
		t.Fatal("expected no reload once every camera is loaded for the day")
	}
}

func TestLaterFailureKeepsRetryingSameDay(t *testing.T) {
	store := &countingStore{MemoryStore: seededStore()}
	archive := newTestArchive(store, nil)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	store.fail.Store(true)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !archive.Incomplete() {
		t.Fatal("expected the carried-over camera to mark the archive incomplete")
	}

	store.fail.Store(false)
	store.Put("auxtel/2024-01-15/monitor/000009/a.jpg", []byte("9"))
	if !archive.Check(context.Background()) {
		t.Fatal("expected the check to retry the carried-over camera")
	}
	events, err := archive.EventsFor("summit", "auxtel", "2024-01-15")
	if err != nil || len(events) != 3 {
		t.Fatalf("expected the new event to be picked up, got %+v err=%v", events, err)
	}
}

func TestDerivedQueriesNeverSwallowBusy(t *testing.T) {
	archive := newTestArchive(seededStore(), nil)
	if err := archive.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = archive.Reload(context.Background())
		}
	}()

	for i := 0; i < 500; i++ {
		table, err := archive.ChannelTable("summit", "auxtel", "2024-01-15")
		if err != nil {
			if !errors.Is(err, ErrBusy) {
				t.Fatalf("unexpected error %v", err)
			}
		} else if len(table) != 1 {
			t.Fatalf("expected busy or the full table, got %+v", table)
		}

		perDay, err := archive.PerDayFor("summit", "auxtel", "2024-01-15")
		if err != nil {
			if !errors.Is(err, ErrBusy) {
				t.Fatalf("unexpected error %v", err)
			}
		} else if perDay["movie"].Filename != "movie.mp4" {
			t.Fatalf("expected busy or the full per-day view, got %+v", perDay)
		}
	}
	cancel()
	wg.Wait()
}

func TestCancelledCallerDoesNotAbortSharedReload(t *testing.T) {
	store := &blockingStore{
		MemoryStore: seededStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	archive := newTestArchive(store, nil)

	callerCtx, cancelCaller := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- archive.Reload(callerCtx) }()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reload never listed the store")
	}

	joinedDone := make(chan error, 1)
	go func() { joinedDone <- archive.Reload(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelCaller()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to stop waiting, got %v", err)
	}

	close(store.release)
	if err := <-joinedDone; err != nil {
		t.Fatalf("expected the shared reload to complete for the other caller, got %v", err)
	}
	if events, err := archive.EventsFor("summit", "auxtel", "2024-01-15"); err != nil || len(events) != 2 {
		t.Fatalf("expected a complete archive, got %+v err=%v", events, err)
	}
}
