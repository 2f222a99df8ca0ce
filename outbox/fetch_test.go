package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

func TestRefreshKeepsOptimisticAndFiltersTombstones(t *testing.T) {
	remote := newFakeRemote()
	remote.reject = map[domain.OpType]domain.Result{domain.OpCreate: {OK: false, Error: "invalid"}}
	q := newTaskQueue(t, remote, nil, manualConfig())
	seed(t, q, remote, task(1, 10, 0, "a"), task(2, 10, 1, "b"), task(3, 10, 2, "c"))

	rejected, _ := q.Create(domain.Task{ColumnID: domain.Real(10), Name: "bad"})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	pending, _ := q.Create(domain.Task{ColumnID: domain.Real(10), Name: "pending"})
	if err := q.Delete(domain.Real(2)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := q.Update(domain.Real(3), domain.MustPatch(map[string]any{"name": "local"})); err != nil {
		t.Fatalf("update: %v", err)
	}

	seed(t, q, remote, task(1, 10, 0, "a-server"), task(2, 10, 1, "b"), task(3, 10, 2, "c-server"))

	if _, ok := q.Find(domain.Real(2)); ok {
		t.Fatalf("tombstoned entity resurrected")
	}
	if got, _ := q.Find(domain.Real(1)); got.Entity.Name != "a-server" {
		t.Fatalf("server state not applied: %+v", got)
	}
	if got, _ := q.Find(domain.Real(3)); got.Entity.Name != "local" {
		t.Fatalf("queued update not replayed: %+v", got)
	}
	if got, ok := q.Find(pending.Entity.ID); !ok || got.State != PendingCreate {
		t.Fatalf("pending create lost: %+v", got)
	}
	if got, ok := q.Find(rejected.Entity.ID); !ok || got.State != Errored {
		t.Fatalf("errored create lost: %+v", got)
	}
}

func TestFetchStopsOnRepeatedLeadingItem(t *testing.T) {
	remote := &stuckRemote{item: task(1, 10, 0, "a")}
	q := New[domain.Task](domain.KindTask, remote, nil, manualConfig(), quietLogger())
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	if err := q.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if remote.calls != 2 {
		t.Fatalf("expected the loop guard to stop after 2 pages, got %d", remote.calls)
	}
	if len(q.List()) != 1 {
		t.Fatalf("unexpected items %+v", q.List())
	}
}

func TestFetchHonoursPageAndItemCaps(t *testing.T) {
	remote := newFakeRemote()
	cfg := manualConfig()
	cfg.MaxPages = 3
	q := newTaskQueue(t, remote, nil, cfg)

	var pages [][]any
	for p := 0; p < 5; p++ {
		pages = append(pages, []any{task(uint64(p*2+1), 10, p*2, "x"), task(uint64(p*2+2), 10, p*2+1, "y")})
	}
	remote.setPages(t, pages...)
	if err := q.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := len(q.List()); n != 6 {
		t.Fatalf("page cap ignored: %d items", n)
	}

	cfg.MaxPages = 50
	cfg.MaxItems = 3
	capped := newTaskQueue(t, remote, nil, cfg)
	if err := capped.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := len(capped.List()); n != 3 {
		t.Fatalf("item cap ignored: %d items", n)
	}
}

func TestRefreshSupersedesOlderFetch(t *testing.T) {
	remote := &slowRemote{gate: make(chan struct{}), started: make(chan struct{}, 2)}
	q := New[domain.Task](domain.KindTask, remote, nil, manualConfig(), quietLogger())
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	first := make(chan error, 1)
	go func() { first <- q.Refresh(context.Background()) }()
	<-remote.started

	remote.mu.Lock()
	remote.gate = nil
	remote.mu.Unlock()
	if err := q.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	select {
	case err := <-first:
		if !errors.Is(err, domain.ErrSuperseded) {
			t.Fatalf("older refresh should be superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("older refresh did not return")
	}
	if len(q.List()) != 1 {
		t.Fatalf("newest fetch result not applied")
	}
}

func TestRefreshTransportError(t *testing.T) {
	q := New[domain.Task](domain.KindTask, &slowRemote{err: errOffline}, nil, manualConfig(), quietLogger())
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	if err := q.Refresh(context.Background()); !domain.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

// stuckRemote always answers with the same page and claims there is more.
type stuckRemote struct {
	item  domain.Task
	calls int
}

func (r *stuckRemote) Batch(context.Context, domain.Kind, []domain.Intent) ([]domain.Result, error) {
	return nil, nil
}

func (r *stuckRemote) FetchPage(_ context.Context, _ domain.Kind, page, _ int) (domain.Page, error) {
	r.calls++
	data, _ := sonic.Marshal(r.item)
	return domain.Page{Items: []json.RawMessage{data}, CurrentPage: page, LastPage: 100, Paginated: true}, nil
}

// slowRemote blocks fetches on gate until the context is cancelled.
type slowRemote struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan struct{}
	err     error
}

func (r *slowRemote) Batch(context.Context, domain.Kind, []domain.Intent) ([]domain.Result, error) {
	return nil, nil
}

func (r *slowRemote) FetchPage(ctx context.Context, _ domain.Kind, _, _ int) (domain.Page, error) {
	if r.err != nil {
		return domain.Page{}, r.err
	}
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Page{}, ctx.Err()
		}
	}
	data, _ := sonic.Marshal(task(1, 10, 0, "fresh"))
	return domain.Page{Items: []json.RawMessage{data}, CurrentPage: 1, LastPage: 1}, nil
}

func refreshDuringCreate(t *testing.T, server ...any) *Queue[domain.Task] {
	t.Helper()
	remote := newFakeRemote()
	q := newTaskQueue(t, remote, nil, manualConfig())
	seed(t, q, remote, task(1, 10, 0, "a"))
	remote.release = make(chan struct{})

	temp, _ := q.Create(domain.Task{ColumnID: domain.Real(10), Name: "new"})
	flushed := make(chan error, 1)
	go func() { flushed <- q.Flush(context.Background()) }()
	waitEntered(t, remote)

	remote.setPages(t, server)
	refreshed := make(chan error, 1)
	go func() { refreshed <- q.Refresh(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.fetches == 2
	})
	select {
	case err := <-refreshed:
		t.Fatalf("refresh merged while the create was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(remote.release)
	if err := <-flushed; err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := <-refreshed; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := q.Find(temp.Entity.ID); ok {
		t.Fatalf("temporary id still listed")
	}
	return q
}

func TestRefreshDuringCreateListsEntityOnce(t *testing.T) {
	q := refreshDuringCreate(t, task(1, 10, 0, "a"), task(101, 10, 1, "new"))
	list := q.List()
	if len(list) != 2 {
		t.Fatalf("expected two tasks, got %+v", list)
	}
	if got, ok := q.Find(domain.Real(101)); !ok || got.State != Confirmed {
		t.Fatalf("created task missing: %+v", got)
	}
}

func TestRefreshPredatingCreateKeepsConfirmedEntity(t *testing.T) {
	q := refreshDuringCreate(t, task(1, 10, 0, "a"))
	if got, ok := q.Find(domain.Real(101)); !ok || got.Entity.Name != "new" {
		t.Fatalf("created task dropped by an older listing: %+v", got)
	}
	if len(q.List()) != 2 {
		t.Fatalf("unexpected list %+v", q.List())
	}
}
