package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/adminapi"
	"prism-sync/domain"
	"prism-sync/outbox"
	"prism-sync/storage"
)

// storeRemote serves batches straight from an adminapi.Store.
type storeRemote struct {
	store *adminapi.Store
	mu    sync.Mutex
	fail  error
	pings atomic.Int32
}

func (r *storeRemote) Batch(_ context.Context, kind domain.Kind, ops []domain.Intent) ([]domain.Result, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return nil, &domain.TransportError{Op: "batch", Err: fail}
	}
	out := make([]domain.Result, 0, len(ops))
	for _, op := range ops {
		out = append(out, r.store.Apply(kind, op))
	}
	return out, nil
}

func (r *storeRemote) FetchPage(_ context.Context, kind domain.Kind, page, perPage int) (domain.Page, error) {
	items, meta, err := r.store.List(kind, page, perPage)
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Items: items, CurrentPage: meta.CurrentPage, LastPage: meta.LastPage, Paginated: true}, nil
}

func (r *storeRemote) Ping(context.Context) error {
	r.pings.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

func (r *storeRemote) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func quietLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestBoard(t *testing.T, bridge outbox.Bridge) (*Board, *storeRemote) {
	t.Helper()
	remote := &storeRemote{store: adminapi.NewStore()}
	cfg := Config{Queues: map[domain.Kind]outbox.Config{}}
	for _, k := range domain.Kinds {
		qc := outbox.DefaultConfig()
		qc.Debounce = time.Hour
		qc.RetryInitial = time.Hour
		cfg.Queues[k] = qc
	}
	b := New(remote, bridge, cfg, quietLogger())
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, remote
}

func addColumn(t *testing.T, b *Board, name string) domain.EntityID {
	t.Helper()
	it, err := b.Columns.Create(domain.Column{Name: name})
	require.NoError(t, err)
	return it.Entity.ID
}

func addTask(t *testing.T, b *Board, col domain.EntityID, name string) domain.EntityID {
	t.Helper()
	it, err := b.Tasks.Create(domain.Task{ColumnID: col, Name: name})
	require.NoError(t, err)
	return it.Entity.ID
}

func taskNames(b *Board, col domain.EntityID) []string {
	var out []string
	for _, it := range b.Tasks.ByScope(col) {
		out = append(out, it.Entity.Name)
	}
	return out
}

func TestCollectionLookup(t *testing.T) {
	b, _ := newTestBoard(t, nil)
	for _, k := range domain.Kinds {
		c, err := b.Collection(k)
		require.NoError(t, err)
		assert.Equal(t, k, c.Kind())
	}
	_, err := b.Collection("widgets")
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestTempColumnReconcileRewritesTasks(t *testing.T) {
	b, remote := newTestBoard(t, nil)
	ctx := context.Background()
	col := addColumn(t, b, "Todo")
	addTask(t, b, col, "a")
	addTask(t, b, col, "b")

	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.Tasks.Flush(ctx))

	cols := b.Columns.List()
	require.Len(t, cols, 1)
	confirmed := cols[0].Entity.ID
	require.True(t, confirmed.IsReal())
	assert.Equal(t, []string{"a", "b"}, taskNames(b, confirmed))
	assert.Empty(t, b.Tasks.ByScope(col))
	assert.Equal(t, 2, remote.store.Len(domain.KindTask))
	assert.False(t, b.HasUnsynced())
}

func TestRemoveColumnMovesTasks(t *testing.T) {
	b, _ := newTestBoard(t, nil)
	todo := addColumn(t, b, "Todo")
	done := addColumn(t, b, "Done")
	addTask(t, b, done, "existing")
	addTask(t, b, todo, "a")
	addTask(t, b, todo, "b")
	addTask(t, b, todo, "c")

	require.NoError(t, b.RemoveColumn(todo, MoveTasks, domain.EntityID{}))

	assert.Equal(t, []string{"existing", "a", "b", "c"}, taskNames(b, done))
	for i, it := range b.Tasks.ByScope(done) {
		assert.Equal(t, i, it.Entity.OrderPosition)
	}
	_, ok := b.Columns.Find(todo)
	assert.False(t, ok)
}

func TestRemoveColumnSyncsMovedTasks(t *testing.T) {
	b, remote := newTestBoard(t, nil)
	ctx := context.Background()
	todo := addColumn(t, b, "Todo")
	done := addColumn(t, b, "Done")
	addTask(t, b, todo, "a")
	addTask(t, b, todo, "b")
	require.NoError(t, b.Columns.Flush(ctx))
	require.NoError(t, b.Tasks.Flush(ctx))

	cols := b.Columns.List()
	require.Len(t, cols, 2)
	todo, done = cols[0].Entity.ID, cols[1].Entity.ID
	require.NoError(t, b.RemoveColumn(todo, MoveTasks, done))
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, 1, remote.store.Len(domain.KindColumn))
	items, _, err := remote.store.List(domain.KindTask, 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, raw := range items {
		var task domain.Task
		require.NoError(t, sonic.Unmarshal(raw, &task))
		assert.Equal(t, done, task.ColumnID)
	}
	assert.False(t, b.HasErrors())
}

func TestRemoveColumnWithoutTarget(t *testing.T) {
	b, _ := newTestBoard(t, nil)
	only := addColumn(t, b, "Only")
	addTask(t, b, only, "a")

	err := b.RemoveColumn(only, MoveTasks, domain.EntityID{})
	assert.ErrorIs(t, err, domain.ErrNoTargetScope)
	_, ok := b.Columns.Find(only)
	assert.True(t, ok, "column must survive a refused removal")
	assert.Equal(t, []string{"a"}, taskNames(b, only))

	err = b.RemoveColumn(only, MoveTasks, domain.Real(99))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveColumnCascade(t *testing.T) {
	b, _ := newTestBoard(t, nil)
	todo := addColumn(t, b, "Todo")
	keep := addColumn(t, b, "Keep")
	addTask(t, b, todo, "a")
	addTask(t, b, keep, "b")

	require.NoError(t, b.RemoveColumn(todo, CascadeTasks, domain.EntityID{}))
	assert.Empty(t, b.Tasks.ByScope(todo))
	assert.Equal(t, []string{"b"}, taskNames(b, keep))
	assert.Len(t, b.Columns.List(), 1)
}

func TestParseRemovalMode(t *testing.T) {
	m, err := ParseRemovalMode("")
	require.NoError(t, err)
	assert.Equal(t, MoveTasks, m)
	m, err = ParseRemovalMode("cascade")
	require.NoError(t, err)
	assert.Equal(t, CascadeTasks, m)
	_, err = ParseRemovalMode("shred")
	assert.Error(t, err)
}

func TestBoardJoinsQueueErrors(t *testing.T) {
	b, remote := newTestBoard(t, nil)
	addColumn(t, b, "Todo")
	addTask(t, b, domain.Real(1), "x")
	remote.setFail(errors.New("offline"))

	err := b.Online(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
	assert.Contains(t, err.Error(), "columns:")
	assert.True(t, b.HasUnsynced())

	remote.setFail(nil)
	require.NoError(t, b.Online(context.Background()))
}

func TestBoardHydrateRestoresEveryQueue(t *testing.T) {
	bridge := storage.NewMemory()
	ctx := context.Background()

	first, _ := newTestBoard(t, bridge)
	col := addColumn(t, first, "Todo")
	addTask(t, first, col, "a")
	_, err := first.Users.Create(domain.User{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, _ := newTestBoard(t, bridge)
	require.NoError(t, second.Hydrate(ctx))
	assert.Len(t, second.Columns.List(), 1)
	assert.Equal(t, []string{"a"}, taskNames(second, col))
	assert.Len(t, second.Users.List(), 1)

	stats := second.Stats()
	require.Len(t, stats, len(domain.Kinds))
	assert.Equal(t, domain.KindTask, stats[0].Kind)
	assert.Equal(t, 1, stats[0].Pending)
}

func TestBoardRefreshMergesServerState(t *testing.T) {
	b, remote := newTestBoard(t, nil)
	_, err := remote.store.Insert(domain.KindProject, domain.MustPatch(map[string]any{"name": "Apollo"}))
	require.NoError(t, err)

	require.NoError(t, b.Refresh(context.Background()))
	got := b.Projects.List()
	require.Len(t, got, 1)
	assert.Equal(t, "Apollo", got[0].Entity.Name)
	assert.Equal(t, outbox.Confirmed, got[0].State)
}
