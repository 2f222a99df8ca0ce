package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/domain"
)

type fakeRemote struct {
	mu      sync.Mutex
	calls   [][]domain.Intent
	nextID  uint64
	pages   [][]json.RawMessage
	fetches int
	fail    error
	reject  map[domain.OpType]domain.Result
	omit    map[domain.OpType]bool

	entered chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: 100, entered: make(chan struct{}, 16)}
}

func (r *fakeRemote) Batch(ctx context.Context, kind domain.Kind, ops []domain.Intent) ([]domain.Result, error) {
	r.mu.Lock()
	cp := make([]domain.Intent, len(ops))
	for i, op := range ops {
		cp[i] = op.Clone()
	}
	r.calls = append(r.calls, cp)
	release := r.release
	r.mu.Unlock()

	select {
	case r.entered <- struct{}{}:
	default:
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	results := make([]domain.Result, 0, len(ops))
	for _, op := range ops {
		if r.omit[op.Type] {
			continue
		}
		if res, ok := r.reject[op.Type]; ok {
			res.ID = op.ID
			results = append(results, res)
			continue
		}
		res := domain.Result{ID: op.ID, OK: true}
		if op.Type == domain.OpCreate {
			r.nextID++
			p := op.Create.Payload.Clone()
			_ = p.Set("id", r.nextID)
			res.Data, _ = sonic.Marshal(map[string]any{"data": p})
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *fakeRemote) FetchPage(ctx context.Context, kind domain.Kind, page, perPage int) (domain.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if page > len(r.pages) {
		return domain.Page{CurrentPage: page, LastPage: len(r.pages), Paginated: true}, nil
	}
	return domain.Page{Items: r.pages[page-1], CurrentPage: page, LastPage: len(r.pages), Paginated: true}, nil
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRemote) call(i int) []domain.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func (r *fakeRemote) setPages(t *testing.T, pages ...[]any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = nil
	for _, p := range pages {
		var raw []json.RawMessage
		for _, v := range p {
			data, err := sonic.Marshal(v)
			if err != nil {
				t.Fatalf("encode page item: %v", err)
			}
			raw = append(raw, data)
		}
		r.pages = append(r.pages, raw)
	}
}

type memBridge struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
}

func newMemBridge() *memBridge { return &memBridge{data: make(map[string][]byte)} }

func (b *memBridge) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key], nil
}

func (b *memBridge) Save(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *memBridge) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBridge) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

var errOffline = errors.New("network unreachable")

func quietLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// manualConfig keeps the debounce timer out of the way so tests drive
// flushes explicitly.
func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = time.Hour
	cfg.RetryInitial = time.Hour
	cfg.RetryMax = time.Hour
	return cfg
}

func newTaskQueue(t *testing.T, remote Remote, bridge Bridge, cfg Config) *Queue[domain.Task] {
	t.Helper()
	q := New[domain.Task](domain.KindTask, remote, bridge, cfg, quietLogger())
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func task(id, column uint64, rank int, name string) domain.Task {
	return domain.Task{ID: domain.Real(id), ColumnID: domain.Real(column), OrderPosition: rank, Name: name}
}

// seed loads confirmed tasks through a refresh.
func seed(t *testing.T, q *Queue[domain.Task], remote *fakeRemote, tasks ...domain.Task) {
	t.Helper()
	items := make([]any, len(tasks))
	for i, v := range tasks {
		items[i] = v
	}
	remote.setPages(t, items)
	if err := q.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitEntered(t *testing.T, remote *fakeRemote) {
	t.Helper()
	select {
	case <-remote.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("batch call did not start")
	}
}

func ids(items []Item[domain.Task]) []domain.EntityID {
	out := make([]domain.EntityID, len(items))
	for i, it := range items {
		out[i] = it.Entity.ID
	}
	return out
}
