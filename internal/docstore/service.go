// Package docstore serves persisted replicated documents over HTTP: full and
// incremental saves, state vectors, snapshots and rollback.
package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"treesync/internal/crdt"
	"treesync/internal/history"
	"treesync/internal/mirror"
	"treesync/internal/rollback"
	"treesync/internal/storage"
	"treesync/internal/store"
	"treesync/internal/syncengine"
)

const defaultCacheSize = 200

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// DocumentStore persists documents.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	SaveDocument(ctx context.Context, doc store.Document) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.DocumentSummary, error)
	DeleteDocument(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type Options struct {
	Store DocumentStore
	// Blobs and Lists hold snapshots. Lists defaults to JSON lists in Blobs.
	Blobs     storage.BlobStore
	Lists     storage.ListStore
	CacheSize int
	Logger    *zap.SugaredLogger
	Now       func() time.Time
	// Template describes new documents. The default is an empty tree.
	Template func(id string) mirror.Representation
}

type Service struct {
	store    DocumentStore
	blobs    storage.BlobStore
	lists    storage.ListStore
	cache    *lru.Cache
	log      *zap.SugaredLogger
	now      func() time.Time
	template func(id string) mirror.Representation

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	histories map[string]*history.Manager
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("docstore: document store is required")
	}
	if opts.Blobs == nil {
		opts.Blobs = storage.NewMemoryStore()
	}
	if opts.Lists == nil {
		opts.Lists = storage.NewLists(opts.Blobs)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Template == nil {
		opts.Template = func(string) mirror.Representation { return mirror.Representation{} }
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create document cache")
	}
	return &Service{
		store:     opts.Store,
		blobs:     opts.Blobs,
		lists:     opts.Lists,
		cache:     cache,
		log:       opts.Logger,
		now:       opts.Now,
		template:  opts.Template,
		locks:     make(map[string]*sync.Mutex),
		histories: make(map[string]*history.Manager),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) List(ctx context.Context) ([]store.DocumentSummary, error) {
	return s.store.ListDocuments(ctx)
}

// Load returns the full update of a document. Unknown documents are created
// from the template and saved first.
func (s *Service) Load(ctx context.Context, id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.load(ctx, id)
}

// StateVector returns the state vector of a document.
func (s *Service) StateVector(ctx context.Context, id string) ([]byte, error) {
	data, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	sv, err := crdt.EncodeStateVectorFromUpdate(data)
	if err != nil {
		return nil, errors.Wrapf(err, "state vector of %s", id)
	}
	return sv, nil
}

// Save stores data as the document. With diff, data is merged into the
// stored update instead of replacing it. It returns the saved content.
func (s *Service) Save(ctx context.Context, id string, data []byte, diff bool) (map[string]any, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	update := data
	if diff {
		current, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		update, err = crdt.MergeUpdates(current, data)
		if err != nil {
			return nil, invalidUpdate(err)
		}
	}
	return s.save(ctx, id, update)
}

// Delete removes a document and forgets its cached state.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	if err := s.store.DeleteDocument(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrDocumentNotFound, "document %s", id)
		}
		return err
	}
	s.cache.Remove(id)
	return nil
}

// History returns the snapshot list of a document.
func (s *Service) History(ctx context.Context, id string) ([]history.Item, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m, err := s.history(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.List(), nil
}

// Snapshot records the current state of a document in its history.
func (s *Service) Snapshot(ctx context.Context, id, note string) (history.Item, error) {
	data, err := s.Load(ctx, id)
	if err != nil {
		return history.Item{}, err
	}
	m, err := s.history(ctx, id)
	if err != nil {
		return history.Item{}, err
	}
	return m.Unshift(ctx, data, note)
}

// Rollback reverts a document to the snapshot named by hash and saves the
// result. The revert is a new change, so replicas holding later edits
// converge on the snapshot content when they merge it.
func (s *Service) Rollback(ctx context.Context, id, hash string) (map[string]any, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m, err := s.history(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := m.GetSnapshot(ctx, hash)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	live, err := rollback.CreateSnapshotDocument(current, syncengine.DatasourceName)
	if err != nil {
		return nil, err
	}
	changed, err := rollback.ReverseUpdate(live, snapshot)
	if err != nil {
		return nil, err
	}
	if !changed {
		return live.Content(), nil
	}
	update, err := crdt.EncodeStateAsUpdate(live, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "encode rollback of %s", id)
	}
	s.log.Infow("document rolled back", "document", id, "hash", hash)
	return s.save(ctx, id, update)
}

func (s *Service) load(ctx context.Context, id string) ([]byte, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.([]byte), nil
	}
	doc, err := s.store.GetDocument(ctx, id)
	if err == nil {
		s.cache.Add(id, doc.Raw)
		return doc.Raw, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(err, "load document %s", id)
	}

	fresh := crdt.NewDoc()
	if _, err := mirror.Build(fresh.GetMap(syncengine.DatasourceName), s.template(id)); err != nil {
		return nil, errors.Wrapf(err, "build template for %s", id)
	}
	update, err := crdt.EncodeStateAsUpdate(fresh, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "encode template for %s", id)
	}
	if _, err := s.save(ctx, id, update); err != nil {
		return nil, err
	}
	s.log.Infow("document created from template", "document", id)
	return update, nil
}

// save persists update. The cache holds update while the write is in flight
// and is restored to its previous entry if the write fails.
func (s *Service) save(ctx context.Context, id string, update []byte) (map[string]any, error) {
	doc := crdt.NewDoc()
	if err := crdt.ApplyUpdate(doc, update, nil); err != nil {
		return nil, invalidUpdate(err)
	}
	content := doc.Content()
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrapf(err, "encode content of %s", id)
	}

	previous, hadPrevious := s.cache.Peek(id)
	s.cache.Add(id, update)
	if _, err := s.store.SaveDocument(ctx, store.Document{ID: id, Title: id, Raw: update, Content: encoded}); err != nil {
		if hadPrevious {
			s.cache.Add(id, previous)
		} else {
			s.cache.Remove(id)
		}
		return nil, errors.Wrapf(err, "save document %s", id)
	}
	return content, nil
}

func (s *Service) history(ctx context.Context, id string) (*history.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.histories[id]; ok {
		return m, nil
	}
	m, err := history.New(ctx, history.Options{
		Scope:  id,
		Blobs:  s.blobs,
		Lists:  s.lists,
		Logger: s.log,
		Now:    s.now,
	})
	if err != nil {
		return nil, err
	}
	s.histories[id] = m
	return m, nil
}

func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func checkID(id string) error {
	if !validID.MatchString(id) {
		return domainError(http.StatusBadRequest, "INVALID_ID", "Invalid document id", map[string]any{"id": id})
	}
	return nil
}

func invalidUpdate(err error) error {
	if errors.Is(err, crdt.ErrMalformedUpdate) {
		return domainError(http.StatusBadRequest, "INVALID_UPDATE", "Malformed document update", nil)
	}
	return err
}
