package storesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"tenantflow/internal/domain"
	"tenantflow/internal/fanout"
	"tenantflow/internal/queue"
	"tenantflow/internal/worker"
)

type fakeTenants struct {
	ids []string
	err error
}

func (f fakeTenants) ListTenantIDs(context.Context) ([]string, error) { return f.ids, f.err }

type fakeSyncer struct {
	mu    sync.Mutex
	calls map[string][]domain.SyncOptions
	done  chan string
}

func (s *fakeSyncer) RunSyncForTenant(_ context.Context, tenantID string, opts domain.SyncOptions) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string][]domain.SyncOptions{}
	}
	s.calls[tenantID] = append(s.calls[tenantID], opts)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- tenantID
	}
	return nil
}

func newFactory(t *testing.T, opts worker.Options) *worker.Factory {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	b, err := queue.Open(context.Background(), db, queue.DefaultJobOptions())
	if err != nil {
		t.Fatal(err)
	}
	return worker.NewFactory(b, opts, zerolog.Nop(), nil)
}

func newFamily(t *testing.T, tenants TenantLister, syncer Syncer, f *worker.Factory) *Family {
	runner := fanout.NewRunner(fanout.Options{Concurrency: 2}, zerolog.Nop(), nil)
	return New(tenants, syncer, f, runner, Config{TaskTypes: []string{"orders"}}, zerolog.Nop(), nil)
}

func TestFamily_Tasks(t *testing.T) {
	fam := newFamily(t, fakeTenants{}, &fakeSyncer{}, newFactory(t, worker.Options{}))
	tasks := fam.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			t.Errorf("%s: %v", task.Name, err)
		}
		if !task.Durable() {
			t.Errorf("%s must be durable", task.Name)
		}
	}
}

func TestFamily_DispatchDeduplicatesPerTenant(t *testing.T) {
	factory := newFactory(t, worker.Options{})
	fam := newFamily(t, fakeTenants{ids: []string{"t1", "t2", "t3"}}, &fakeSyncer{}, factory)
	ctx := context.Background()

	if err := fam.Dispatch(ctx, true); err != nil {
		t.Fatal(err)
	}
	// Nothing consumed yet: the second tick must not add anything.
	if err := fam.Dispatch(ctx, false); err != nil {
		t.Fatal(err)
	}

	q, _ := factory.Queue(ctx, domain.StoreSyncQueue)
	counts, _ := q.Counts(ctx)
	if counts[domain.JobWaiting] != 3 {
		t.Fatalf("waiting = %d, want 3", counts[domain.JobWaiting])
	}
	job, err := q.GetJob(ctx, "tenant-sync:t2")
	if err != nil {
		t.Fatal(err)
	}
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.TenantID != "t2" || !p.Incremental || len(p.TaskTypes) != 1 {
		t.Fatalf("payload = %+v, want the first (incremental) tick kept", p)
	}
}

func TestFamily_DispatchTenantListFailure(t *testing.T) {
	fam := newFamily(t, fakeTenants{err: errors.New("db down")}, &fakeSyncer{}, newFactory(t, worker.Options{}))
	if err := fam.Dispatch(context.Background(), true); err == nil {
		t.Fatal("expected error so the broker retries")
	}
}

func TestFamily_HandleDecodesPayload(t *testing.T) {
	syncer := &fakeSyncer{}
	fam := newFamily(t, fakeTenants{}, syncer, newFactory(t, worker.Options{}))
	ctx := context.Background()

	body, _ := json.Marshal(Payload{TenantID: "t1", Incremental: true, TaskTypes: []string{"products"}})
	if err := fam.handle(ctx, domain.Job{ID: "tenant-sync:t1", Name: "tenant-sync", Payload: body}); err != nil {
		t.Fatal(err)
	}
	got := syncer.calls["t1"]
	if len(got) != 1 || !got[0].Incremental || got[0].TaskTypes[0] != "products" {
		t.Fatalf("calls = %+v", syncer.calls)
	}

	if err := fam.handle(ctx, domain.Job{ID: "x", Name: "tenant-sync", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("missing tenant id must fail")
	}
	if err := fam.handle(ctx, domain.Job{ID: "y", Name: "something-else"}); err != nil {
		t.Fatalf("foreign job must be ignored, got %v", err)
	}
}

func TestFamily_WorkerRunsQueuedSyncs(t *testing.T) {
	syncer := &fakeSyncer{done: make(chan string, 4)}
	factory := newFactory(t, worker.Options{PollEvery: 10 * time.Millisecond})
	fam := newFamily(t, fakeTenants{ids: []string{"t1", "t2"}}, syncer, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := fam.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := fam.Dispatch(ctx, true); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case id := <-syncer.done:
			seen[id] = true
		case <-timeout:
			t.Fatalf("only saw %v", seen)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := h.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}
