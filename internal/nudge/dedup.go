package nudge

import (
	"context"
	"strings"
	"sync"
	"time"

	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

const firedKeyPrefix = "nudge/fired/"

// storeTimeout bounds a single persistence call so a slow backend cannot
// stall a tick.
const storeTimeout = 250 * time.Millisecond

// DedupStore remembers notification ids that already fired.
//
// Day-scoped ids are written through to the persistence adapter and survive
// restarts; session ids live in memory only. A persisted value that is
// missing or cannot be parsed counts as "not fired".
type DedupStore struct {
	mu      sync.Mutex
	store   storage.Store
	log     logx.Logger
	now     func() time.Time
	session map[string]struct{}
	day     map[string]struct{}
}

// NewDedupStore builds a dedup store. store may be nil (memory only).
func NewDedupStore(store storage.Store, now func() time.Time, log logx.Logger) *DedupStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &DedupStore{
		store:   store,
		log:     log,
		now:     now,
		session: map[string]struct{}{},
		day:     map[string]struct{}{},
	}
}

func (d *DedupStore) HasFired(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	d.mu.Lock()
	_, inSession := d.session[id]
	_, inDay := d.day[id]
	st := d.store
	d.mu.Unlock()
	if inSession || inDay {
		return true
	}
	if st == nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctxOrBackground(ctx), storeTimeout)
	v, ok, err := st.Get(cctx, firedKeyPrefix+id)
	cancel()
	if err != nil {
		d.log.Debug("dedup lookup failed; treating as not fired", logx.String("id", id), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	if _, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err != nil {
		d.log.Debug("malformed dedup marker ignored", logx.String("id", id), logx.String("value", v))
		return false
	}

	d.mu.Lock()
	d.day[id] = struct{}{}
	d.mu.Unlock()
	return true
}

func (d *DedupStore) MarkFired(ctx context.Context, id string, scope Scope) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	d.mu.Lock()
	if scope != ScopeDay {
		d.session[id] = struct{}{}
		d.mu.Unlock()
		return
	}
	_, already := d.day[id]
	d.day[id] = struct{}{}
	st := d.store
	d.mu.Unlock()

	if already || st == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctxOrBackground(ctx), storeTimeout)
	err := st.Set(cctx, firedKeyPrefix+id, d.now().UTC().Format(time.RFC3339Nano))
	cancel()
	if err != nil {
		// The in-memory marker still holds for this process.
		d.log.Warn("dedup marker not persisted", logx.String("id", id), logx.Err(err))
	}
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
