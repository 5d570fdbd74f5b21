// Package editor assembles the per-document collaborators of one editing
// session and keeps track of which session is active.
package editor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"treesync/internal/crdt"
	"treesync/internal/history"
	"treesync/internal/index"
	"treesync/internal/presence"
	"treesync/internal/relay"
	"treesync/internal/scheduler"
	"treesync/internal/storage"
	"treesync/internal/syncengine"
	"treesync/internal/tree"
)

type Options struct {
	Name     string
	ClientID uint64
	// Seed is an encoded document to start from.
	Seed []byte

	Blobs storage.BlobStore
	Lists storage.ListStore

	Logger             *zap.SugaredLogger
	Now                func() time.Time
	CaptureTimeout     time.Duration
	GCDelay            time.Duration
	LocalSnapshotDelay time.Duration
}

// Scope is one logical document with everything that edits it.
type Scope struct {
	Name      string
	Doc       *crdt.Doc
	Tree      *tree.Store
	Index     *index.Index
	Scheduler *scheduler.Scheduler
	Engine    *syncengine.Engine
	History   *history.Manager
	Awareness *presence.Awareness

	log   *zap.SugaredLogger
	relay *relay.Relay
	off   []func()
}

func NewScope(ctx context.Context, opts Options) (*Scope, error) {
	if opts.Name == "" {
		return nil, errors.New("editor: scope name is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Blobs == nil {
		opts.Blobs = storage.NewMemoryStore()
	}
	log := opts.Logger.With("scope", opts.Name)

	var docOpts []crdt.Option
	if opts.ClientID != 0 {
		docOpts = append(docOpts, crdt.WithClientID(opts.ClientID))
	}
	doc := crdt.NewDoc(docOpts...)
	if len(opts.Seed) > 0 {
		if err := crdt.ApplyUpdate(doc, opts.Seed, nil); err != nil {
			return nil, errors.Wrapf(err, "seed scope %q", opts.Name)
		}
	}

	sched := scheduler.New(scheduler.WithClock(opts.Now), scheduler.WithLogger(log))
	store := tree.NewStore(tree.NewBus())
	idx := index.New(store, sched, opts.GCDelay, log)

	engine, err := syncengine.New(syncengine.Options{
		Doc:            doc,
		Tree:           store,
		Index:          idx,
		Scheduler:      sched,
		Logger:         log,
		CaptureTimeout: opts.CaptureTimeout,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}

	hist, err := history.New(ctx, history.Options{
		Scope:      opts.Name,
		Blobs:      opts.Blobs,
		Lists:      opts.Lists,
		Logger:     log,
		Now:        opts.Now,
		Scheduler:  sched,
		LocalDelay: opts.LocalSnapshotDelay,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	s := &Scope{
		Name:      opts.Name,
		Doc:       doc,
		Tree:      store,
		Index:     idx,
		Scheduler: sched,
		Engine:    engine,
		History:   hist,
		Awareness: presence.New(doc.ClientID(), presence.Options{Logger: log, Now: opts.Now}),
		log:       log,
	}
	s.off = append(s.off, engine.OnUpdate(func([]byte, any, bool) {
		hist.TrackLocal(engine.EncodeState)
	}))
	return s, nil
}

// Tick runs the scope's due background work.
func (s *Scope) Tick() int {
	return s.Scheduler.Tick()
}

// Snapshot records the current document in the history list.
func (s *Scope) Snapshot(ctx context.Context, note string) (history.Item, error) {
	data, err := s.Engine.EncodeState()
	if err != nil {
		return history.Item{}, err
	}
	return s.History.Unshift(ctx, data, note)
}

// MarkSaved moves the remote pointer to the current document, after it was
// persisted elsewhere.
func (s *Scope) MarkSaved() error {
	data, err := s.Engine.EncodeState()
	if err != nil {
		return err
	}
	if _, err := s.History.UpdateRemote(data); err != nil {
		return err
	}
	_, err = s.History.UpdateLocal(data)
	return err
}

// RollbackTo reverts the document to a recorded snapshot.
func (s *Scope) RollbackTo(ctx context.Context, hash string) (bool, error) {
	snapshot, err := s.History.GetSnapshot(ctx, hash)
	if err != nil {
		return false, err
	}
	return s.Engine.Rollback(snapshot)
}

// Connect shares the scope's document updates and presence through r.
// Updates received from r are applied as remote changes and are not sent
// back out. On connect the scope swaps state vectors with the peers already
// on the channel, so edits made before Connect reach both sides.
func (s *Scope) Connect(ctx context.Context, r *relay.Relay) error {
	if err := r.Start(ctx, relay.Handler{
		Update: func(update []byte) {
			if err := s.Engine.ApplyRemoteUpdate(update, nil); err != nil {
				s.log.Warnw("relay: apply update failed", "error", err)
			}
		},
		Awareness:   s.Awareness.ApplyRemote,
		StateVector: s.Engine.EncodeStateVector,
		Diff:        s.Engine.EncodeStateSince,
	}); err != nil {
		return err
	}
	s.relay = r
	s.Awareness.SetBroadcaster(r)

	// Runs under the engine lock.
	s.off = append(s.off, s.Engine.OnUpdate(func(update []byte, origin any, _ bool) {
		if origin == syncengine.RemoteOrigin {
			return
		}
		if err := r.Publish(ctx, update); err != nil {
			s.log.Warnw("relay: publish failed", "error", err)
		}
	}))
	return nil
}

func (s *Scope) Close() error {
	for i := len(s.off) - 1; i >= 0; i-- {
		s.off[i]()
	}
	s.off = nil
	s.Awareness.Destroy()
	var err error
	if s.relay != nil {
		err = s.relay.Close()
		s.relay = nil
	}
	s.Engine.Close()
	s.Index.Close()
	return err
}
