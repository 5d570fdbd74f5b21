// Package history keeps the content-addressed snapshot list of one document
// scope, plus the local and remote pointers used to detect drift.
package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"treesync/internal/crdt"
	"treesync/internal/scheduler"
	"treesync/internal/storage"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

const (
	defaultCacheSize  = 64
	defaultLocalDelay = 2 * time.Second
	localTaskPrefix   = "history-local:"
)

// Item is one snapshot entry. Hash is also the storage pointer of the bytes.
type Item = storage.HistoryItem

type Options struct {
	Scope  string
	Blobs  storage.BlobStore
	Lists  storage.ListStore
	Logger *zap.SugaredLogger
	Now    func() time.Time
	// CacheSize bounds the snapshot bytes kept in memory.
	CacheSize int
	// Scheduler and LocalDelay drive TrackLocal.
	Scheduler  *scheduler.Scheduler
	LocalDelay time.Duration
}

type Manager struct {
	mu      sync.RWMutex
	scope   string
	blobs   storage.BlobStore
	lists   storage.ListStore
	log     *zap.SugaredLogger
	now     func() time.Time
	cache   *lru.Cache
	sched   *scheduler.Scheduler
	delay   time.Duration
	history []Item
	local   *Item
	remote  *Item
}

// New builds a manager and loads the persisted list of the scope.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Blobs == nil {
		return nil, errors.New("history: blob store is required")
	}
	if opts.Lists == nil {
		opts.Lists = storage.NewLists(opts.Blobs)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.LocalDelay <= 0 {
		opts.LocalDelay = defaultLocalDelay
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot cache")
	}

	m := &Manager{
		scope: opts.Scope,
		blobs: opts.Blobs,
		lists: opts.Lists,
		log:   opts.Logger,
		now:   opts.Now,
		cache: cache,
		sched: opts.Scheduler,
		delay: opts.LocalDelay,
	}

	list, err := m.lists.GetList(ctx, m.listKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, errors.Wrapf(err, "load history of %q", m.scope)
	default:
		m.history = list.Items
	}
	return m, nil
}

// ContentDigest hashes the content an update produces, not its bytes, so two
// encodings of the same data share one hash.
func ContentDigest(update []byte) (string, error) {
	doc := crdt.NewDoc()
	if err := crdt.ApplyUpdate(doc, update, nil); err != nil {
		return "", errors.Wrap(err, "decode snapshot")
	}
	canonical, err := json.Marshal(doc.Content())
	if err != nil {
		return "", errors.Wrap(err, "encode snapshot content")
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Unshift records data as the newest snapshot and the remote pointer. A
// snapshot whose content is already listed is not added again.
func (m *Manager) Unshift(ctx context.Context, data []byte, note string) (Item, error) {
	hash, err := ContentDigest(data)
	if err != nil {
		return Item{}, err
	}
	item := Item{Hash: hash, CreateDate: m.now().UnixMilli(), Note: note}

	m.mu.Lock()
	if existing, ok := m.find(hash); ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.history = append([]Item{item}, m.history...)
	remote := item
	m.remote = &remote
	list := &storage.List{Items: append([]Item(nil), m.history...), UpdateTime: m.now().UnixMilli()}
	m.mu.Unlock()

	m.cache.Add(hash, data)
	if err := m.blobs.Set(ctx, m.blobKey(hash), data); err != nil {
		return Item{}, errors.Wrapf(err, "save snapshot %s", hash)
	}
	if err := m.lists.SetList(ctx, m.listKey(), list); err != nil {
		return Item{}, errors.Wrapf(err, "save history of %q", m.scope)
	}
	m.log.Debugw("snapshot recorded", "scope", m.scope, "hash", hash, "note", note)
	return item, nil
}

// UpdateLocal moves the local pointer to data without listing it.
func (m *Manager) UpdateLocal(data []byte) (Item, error) {
	hash, err := ContentDigest(data)
	if err != nil {
		return Item{}, err
	}
	item := Item{Hash: hash, CreateDate: m.now().UnixMilli(), Note: "local"}
	m.mu.Lock()
	m.local = &item
	m.mu.Unlock()
	return item, nil
}

// UpdateRemote moves the remote pointer to data without listing it. The bytes
// are cached so the remote state can be rolled back to in this session.
func (m *Manager) UpdateRemote(data []byte) (Item, error) {
	hash, err := ContentDigest(data)
	if err != nil {
		return Item{}, err
	}
	item := Item{Hash: hash, CreateDate: m.now().UnixMilli(), Note: "remote"}
	m.mu.Lock()
	m.remote = &item
	_, listed := m.find(hash)
	m.mu.Unlock()
	if !listed {
		m.cache.Add(hash, data)
	}
	return item, nil
}

// TrackLocal debounces UpdateLocal on the scheduler. encode is called when
// the task runs, so bursts of edits cost one digest.
func (m *Manager) TrackLocal(encode func() ([]byte, error)) {
	if m.sched == nil {
		return
	}
	m.sched.Schedule(localTaskPrefix+m.scope, m.delay, func() {
		data, err := encode()
		if err != nil {
			m.log.Warnw("track local: encode failed", "scope", m.scope, "error", err)
			return
		}
		if _, err := m.UpdateLocal(data); err != nil {
			m.log.Warnw("track local: digest failed", "scope", m.scope, "error", err)
		}
	})
}

// IsSynced reports whether the local and remote pointers name the same
// content. Two unset pointers count as synced.
func (m *Manager) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isSynced()
}

func (m *Manager) isSynced() bool {
	return hashOf(m.local) == hashOf(m.remote)
}

// IsLocalInList reports whether the current local state is already saved,
// either as the remote state or as a listed snapshot.
func (m *Manager) IsLocalInList() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.local == nil {
		return false
	}
	if m.isSynced() {
		return true
	}
	_, ok := m.find(m.local.Hash)
	return ok
}

func (m *Manager) List() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Item(nil), m.history...)
}

func (m *Manager) Local() (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.local == nil {
		return Item{}, false
	}
	return *m.local, true
}

func (m *Manager) Remote() (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.remote == nil {
		return Item{}, false
	}
	return *m.remote, true
}

// GetSnapshot returns the bytes stored under hash.
func (m *Manager) GetSnapshot(ctx context.Context, hash string) ([]byte, error) {
	if cached, ok := m.cache.Get(hash); ok {
		return cached.([]byte), nil
	}
	data, err := m.blobs.Get(ctx, m.blobKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrSnapshotNotFound, "hash %s", hash)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot %s", hash)
	}
	m.cache.Add(hash, data)
	return data, nil
}

// Remove drops a snapshot from the list and the blob store.
func (m *Manager) Remove(ctx context.Context, hash string) error {
	m.mu.Lock()
	kept := m.history[:0:0]
	for _, item := range m.history {
		if item.Hash != hash {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(m.history) {
		m.mu.Unlock()
		return errors.Wrapf(ErrSnapshotNotFound, "hash %s", hash)
	}
	m.history = kept
	list := &storage.List{Items: append([]Item(nil), kept...), UpdateTime: m.now().UnixMilli()}
	m.mu.Unlock()

	m.cache.Remove(hash)
	if err := m.lists.SetList(ctx, m.listKey(), list); err != nil {
		return errors.Wrapf(err, "save history of %q", m.scope)
	}
	if err := m.blobs.Remove(ctx, m.blobKey(hash)); err != nil {
		return errors.Wrapf(err, "remove snapshot %s", hash)
	}
	return nil
}

func (m *Manager) find(hash string) (Item, bool) {
	for _, item := range m.history {
		if item.Hash == hash {
			return item, true
		}
	}
	return Item{}, false
}

func (m *Manager) listKey() string {
	return m.scope
}

func (m *Manager) blobKey(hash string) string {
	return m.scope + "-" + hash
}

func hashOf(item *Item) string {
	if item == nil {
		return ""
	}
	return item.Hash
}
