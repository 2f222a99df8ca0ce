package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
)

// Remote is the batch endpoint and paginated list endpoint of one backend.
type Remote interface {
	Batch(ctx context.Context, kind domain.Kind, ops []domain.Intent) ([]domain.Result, error)
	FetchPage(ctx context.Context, kind domain.Kind, page, perPage int) (domain.Page, error)
}

// Bridge is a key/value store the queue mirrors its state into. Load
// returns nil, nil for a missing key.
type Bridge interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Config tunes one queue.
type Config struct {
	Debounce       time.Duration
	FlushTimeout   time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	PersistTimeout time.Duration
	PerPage        int
	MaxPages       int
	MaxItems       int
}

func DefaultConfig() Config {
	return Config{
		Debounce:       250 * time.Millisecond,
		FlushTimeout:   30 * time.Second,
		RetryInitial:   time.Second,
		RetryMax:       30 * time.Second,
		PersistTimeout: 5 * time.Second,
		PerPage:        500,
		MaxPages:       50,
		MaxItems:       10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.PerPage <= 0 || c.PerPage > d.PerPage {
		c.PerPage = d.PerPage
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	return c
}

type phase int

const (
	phaseIdle phase = iota
	phasePending
	phaseFlushing
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseFlushing:
		return "flushing"
	}
	return "idle"
}

// ReconcileFunc observes a temporary id being replaced by its real id.
type ReconcileFunc func(temp, real domain.EntityID)

type rejection struct {
	Op      domain.Intent `json:"op"`
	Message string        `json:"message"`
	Status  int           `json:"status,omitempty"`
	At      time.Time     `json:"at"`
}

// Queue is the optimistic cache and outbound intent queue of one entity
// kind.
type Queue[T domain.Entity[T]] struct {
	kind       domain.Kind
	cfg        Config
	remote     Remote
	bridge     Bridge
	logger     *log.Logger
	tracer     trace.Tracer
	ordered    bool
	scopeField string
	rankField  string
	tempIDs    domain.TempIDs

	mu         sync.Mutex
	cache      *entityCache[T]
	journal    journal
	inflight   []domain.Intent
	flushed    chan struct{}
	tombstones idSet
	stillborn  idSet
	touched    map[domain.EntityID]map[string]struct{}
	rejected   []rejection
	hooks      []ReconcileFunc

	phase      phase
	timer      *time.Timer
	timerGen   uint64
	armed      bool
	due        bool
	attempt    int
	lastErr    string
	lastFlush  time.Time
	delivered  uint64
	started    time.Time
	fetchGen   uint64
	fetchStop  context.CancelFunc
	closed     bool

	// reconciledAt holds the reconcile sequence number of recently confirmed
	// creates so a refresh started before the confirmation keeps them.
	reconciles   uint64
	reconciledAt map[domain.EntityID]uint64

	dirty    chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	saveMu   sync.Mutex
	lastSave map[string]uint64
}

// New builds a queue. bridge may be nil to keep state in memory only.
func New[T domain.Entity[T]](kind domain.Kind, remote Remote, bridge Bridge, cfg Config, logger *log.Logger) *Queue[T] {
	if logger == nil {
		logger = log.StandardLogger()
	}
	q := &Queue[T]{
		kind:       kind,
		cfg:        cfg.withDefaults(),
		remote:     remote,
		bridge:     bridge,
		logger:     logger,
		tracer:     otel.Tracer("prism-sync/outbox"),
		cache:      newEntityCache[T](),
		tombstones: idSet{},
		stillborn:  idSet{},
		touched:    make(map[domain.EntityID]map[string]struct{}),
		started:    time.Now(),
		dirty:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		lastSave:   make(map[string]uint64),
	}
	q.reconciledAt = make(map[domain.EntityID]uint64)
	var zero T
	if r, ok := any(zero).(domain.Ranked[T]); ok {
		q.ordered = true
		q.scopeField, q.rankField = r.RankFields()
	}
	if bridge != nil {
		q.wg.Add(1)
		go q.persistLoop()
	}
	return q
}

func (q *Queue[T]) Kind() domain.Kind { return q.kind }

// OnReconcile registers fn to run after a create is confirmed. Hooks run
// outside the queue lock.
func (q *Queue[T]) OnReconcile(fn ReconcileFunc) {
	q.mu.Lock()
	q.hooks = append(q.hooks, fn)
	q.mu.Unlock()
}

// Create inserts v under a fresh temporary id and queues its create.
// Ordered entities are placed after the last entity of their scope.
func (q *Queue[T]) Create(v T) (Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item[T]{}, domain.ErrClosed
	}
	id := q.tempIDs.Next()
	v = v.WithKey(id)
	if r, ok := any(v).(domain.Ranked[T]); ok {
		v = r.Place(r.Scope(), q.nextRankLocked(r.Scope()))
	}
	payload, err := domain.PatchFrom(v)
	if err != nil {
		return Item[T]{}, err
	}
	it := Item[T]{Entity: v, State: PendingCreate}
	q.cache.upsert(it)
	q.touched[id] = make(map[string]struct{})
	q.journal.insert(domain.NewCreate(id, payload.Without("id")))
	q.enqueuedLocked()
	return it, nil
}

// Update applies patch locally and queues it. On ordered collections a
// change of scope or rank is turned into a move.
func (q *Queue[T]) Update(id domain.EntityID, patch domain.Patch) (Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item[T]{}, domain.ErrClosed
	}
	it, ok := q.liveLocked(id)
	if !ok {
		return Item[T]{}, domain.ErrNotFound
	}
	patch = patch.Without("id")
	if q.ordered && (patch.Has(q.scopeField) || patch.Has(q.rankField)) {
		scope, rank := scopeOf(it.Entity), -1
		if _, err := patch.Decode(q.scopeField, &scope); err != nil {
			return Item[T]{}, err
		}
		if _, err := patch.Decode(q.rankField, &rank); err != nil {
			return Item[T]{}, err
		}
		if rank < 0 {
			rank = len(q.cache.scopedIDs(scope))
		}
		if err := q.moveLocked(id, scope, rank, nil); err != nil {
			return Item[T]{}, err
		}
		q.enqueuedLocked()
		patch = patch.Without(q.scopeField, q.rankField)
	}
	if len(patch) == 0 {
		return *it, nil
	}
	next, err := domain.ApplyPatch(it.Entity, patch)
	if err != nil {
		return Item[T]{}, err
	}
	it.Entity = next.WithKey(id)
	q.touchLocked(id, patch.Fields()...)
	q.journal.insert(domain.NewUpdate(id, patch))
	q.enqueuedLocked()
	return *it, nil
}

// Delete removes id locally. Deleting a temporary id cancels everything
// still queued for it; deleting a real id records a tombstone.
func (q *Queue[T]) Delete(id domain.EntityID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrClosed
	}
	if id.IsTemp() {
		return q.deleteTempLocked(id)
	}
	if q.tombstones.has(id) {
		return nil
	}
	q.cache.remove(id)
	q.tombstones.add(id)
	delete(q.touched, id)
	q.rejected = slices.DeleteFunc(q.rejected, func(r rejection) bool {
		return r.Op.Target() == id
	})
	q.journal.insert(domain.NewDelete(id))
	q.enqueuedLocked()
	return nil
}

func (q *Queue[T]) deleteTempLocked(id domain.EntityID) error {
	if q.stillborn.has(id) {
		return nil
	}
	if !q.cache.remove(id) {
		return domain.ErrNotFound
	}
	delete(q.touched, id)
	q.journal.insert(domain.NewDelete(id))
	if slices.ContainsFunc(q.inflight, func(op domain.Intent) bool {
		return op.Type == domain.OpCreate && op.Create.TempID == id
	}) {
		q.stillborn.add(id)
		q.inflight = cancelTemp(q.inflight, id)
	}
	q.rejected = slices.DeleteFunc(q.rejected, func(r rejection) bool {
		return r.Op.Target() == id
	})
	q.markDirtyLocked()
	return nil
}

// Reorder sets the order of scope. Ids of the scope missing from ordered
// keep their relative order after the listed ones.
func (q *Queue[T]) Reorder(scope domain.EntityID, ordered []domain.EntityID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrClosed
	}
	if !q.ordered {
		return domain.ErrNotOrdered
	}
	full, err := normalizeOrder(q.cache.scopedIDs(scope), ordered, domain.EntityID{})
	if err != nil {
		return err
	}
	q.cache.rankAll(scope, full)
	for _, id := range full {
		q.touchLocked(id, q.rankField)
	}
	q.placeUnsentLocked(full...)
	q.journal.insert(domain.NewReorder(scope, full))
	q.enqueuedLocked()
	return nil
}

// Move relocates id into toScope. When targetOrdered is empty the entity is
// inserted at toIndex among the current members of toScope.
func (q *Queue[T]) Move(id, toScope domain.EntityID, toIndex int, targetOrdered []domain.EntityID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrClosed
	}
	if !q.ordered {
		return domain.ErrNotOrdered
	}
	if err := q.moveLocked(id, toScope, toIndex, targetOrdered); err != nil {
		return err
	}
	q.enqueuedLocked()
	return nil
}

func (q *Queue[T]) moveLocked(id, toScope domain.EntityID, toIndex int, targetOrdered []domain.EntityID) error {
	it, ok := q.liveLocked(id)
	if !ok {
		return domain.ErrNotFound
	}
	fromScope := scopeOf(it.Entity)
	members := slices.DeleteFunc(q.cache.scopedIDs(toScope), func(cur domain.EntityID) bool { return cur == id })

	var target []domain.EntityID
	if len(targetOrdered) == 0 {
		toIndex = min(max(toIndex, 0), len(members))
		target = slices.Insert(slices.Clone(members), toIndex, id)
	} else {
		if !slices.Contains(targetOrdered, id) {
			return domain.ErrInvalidOrder
		}
		var err error
		if target, err = normalizeOrder(members, targetOrdered, id); err != nil {
			return err
		}
		toIndex = slices.Index(target, id)
	}

	var source []domain.EntityID
	q.cache.place(id, toScope, toIndex)
	q.cache.rankAll(toScope, target)
	q.touchLocked(id, q.scopeField, q.rankField)
	for _, other := range target {
		q.touchLocked(other, q.rankField)
	}
	q.placeUnsentLocked(target...)
	if fromScope != toScope {
		source = q.cache.scopedIDs(fromScope)
		q.cache.rankAll(fromScope, source)
		for _, other := range source {
			q.touchLocked(other, q.rankField)
		}
		q.placeUnsentLocked(source...)
	}
	q.journal.insert(domain.NewMove(domain.MoveOp{
		ID:               id,
		FromScope:        fromScope,
		ToScope:          toScope,
		ToIndex:          toIndex,
		TargetOrderedIDs: target,
		SourceOrderedIDs: source,
	}))
	return nil
}

// normalizeOrder validates ordered against the scope members and appends
// the members it leaves out. extra is accepted although it is not a member.
func normalizeOrder(members, ordered []domain.EntityID, extra domain.EntityID) ([]domain.EntityID, error) {
	known := idSetOf(members)
	if !extra.IsZero() {
		known.add(extra)
	}
	seen := idSet{}
	out := make([]domain.EntityID, 0, len(members)+1)
	for _, id := range ordered {
		if !known.has(id) {
			return nil, domain.ErrInvalidOrder
		}
		if seen.has(id) {
			continue
		}
		seen.add(id)
		out = append(out, id)
	}
	for _, id := range members {
		if !seen.has(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// RewriteScope repoints entities and queued intents from one scope id to
// another, typically when the owning entity's temporary id is reconciled.
func (q *Queue[T]) RewriteScope(from, to domain.EntityID) {
	if !q.ordered || from == to {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := false
	for _, id := range q.cache.scopedIDs(from) {
		it, _ := q.cache.get(id)
		q.cache.place(id, to, rankOf(it.Entity))
		changed = true
	}
	if q.journal.rewriteScope(q.scopeField, from, to) {
		changed = true
	}
	for i := range q.rejected {
		q.rejected[i].Op.RewriteScope(q.scopeField, from, to)
	}
	if !changed {
		return
	}
	q.markDirtyLocked()
	if q.journal.len() > 0 {
		q.scheduleLocked(q.cfg.Debounce)
	}
}

func (q *Queue[T]) Find(id domain.EntityID) (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.cache.get(id)
	if !ok {
		return Item[T]{}, false
	}
	return *it, true
}

// List returns every cached item in cache order.
func (q *Queue[T]) List() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.list()
}

// ByScope returns the items of scope sorted by rank.
func (q *Queue[T]) ByScope(scope domain.EntityID) []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cache.scoped(scope)
}

// HasUnsynced reports whether anything is queued, in flight or awaiting
// its create confirmation.
func (q *Queue[T]) HasUnsynced() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal.len() > 0 || len(q.inflight) > 0 {
		return true
	}
	for _, it := range q.cache.items {
		if it.State == PendingCreate {
			return true
		}
	}
	return false
}

func (q *Queue[T]) HasErrors() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.rejected) > 0 {
		return true
	}
	for _, it := range q.cache.items {
		if it.State == Errored {
			return true
		}
	}
	return false
}

// Rejections lists operations the server refused that have not been retried.
func (q *Queue[T]) Rejections() []domain.RejectionError {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.RejectionError, 0, len(q.rejected))
	for _, r := range q.rejected {
		out = append(out, domain.RejectionError{ID: r.Op.Target(), OpID: r.Op.ID, Type: r.Op.Type, Message: r.Message})
	}
	return out
}

// Pending returns a copy of the intents not yet sent.
func (q *Queue[T]) Pending() []domain.Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.journal.snapshot()
}

func (q *Queue[T]) liveLocked(id domain.EntityID) (*Item[T], bool) {
	if q.tombstones.has(id) {
		return nil, false
	}
	return q.cache.get(id)
}

func (q *Queue[T]) nextRankLocked(scope domain.EntityID) int {
	next := 0
	for _, it := range q.cache.scoped(scope) {
		if r := rankOf(it.Entity); r >= next {
			next = r + 1
		}
	}
	return next
}

// placeUnsentLocked copies the cached scope and rank of temporary ids into
// their create when it has not been sent yet, so the server stores the
// entity where it is shown. The ordering intent still follows once the
// create is confirmed to rank the real members.
func (q *Queue[T]) placeUnsentLocked(ids ...domain.EntityID) {
	for _, id := range ids {
		if !id.IsTemp() {
			continue
		}
		it, ok := q.cache.get(id)
		if !ok {
			continue
		}
		p, err := domain.PatchFrom(it.Entity)
		if err != nil {
			continue
		}
		q.journal.mergeCreate(id, p.Only(q.scopeField, q.rankField))
	}
}

// touchLocked records fields changed after an entity's create was issued
// so they survive reconciliation.
func (q *Queue[T]) touchLocked(id domain.EntityID, fields ...string) {
	set, ok := q.touched[id]
	if !ok {
		return
	}
	for _, f := range fields {
		set[f] = struct{}{}
	}
}

func (q *Queue[T]) enqueuedLocked() {
	q.markDirtyLocked()
	q.scheduleLocked(q.cfg.Debounce)
}

func (q *Queue[T]) markDirtyLocked() {
	if q.bridge == nil {
		return
	}
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}
