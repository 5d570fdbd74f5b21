// Package syncengine keeps a node tree and its mirror in a replicated
// document consistent.
//
// Tree changes are pushed into the document in batches: each tree event
// queues a write and the queue is flushed as one transaction on the next
// scheduler tick. Document changes made by remote replicas, by undo/redo or
// by a rollback are pulled back into the tree. Local pushes are never pulled
// again because the tree already holds them.
//
// All document access happens under the engine lock. Tree event handlers run
// synchronously while the engine may hold that lock, so a handler may call the
// push methods but must not call Flush, ForceSync, Undo, Redo, Rollback or the
// encode methods.
package syncengine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"treesync/internal/crdt"
	"treesync/internal/index"
	"treesync/internal/mirror"
	"treesync/internal/rollback"
	"treesync/internal/scheduler"
	"treesync/internal/tree"
	"treesync/internal/undo"
)

const (
	// DatasourceName is the default name of the document root holding records.
	DatasourceName = "datasource"
	// FlushTaskKey is the scheduler key of the pending write batch.
	FlushTaskKey = "sync-flush"
)

type origin struct {
	name string
}

func (o *origin) String() string { return o.name }

var (
	// PullOrigin tags tree changes made by the pull path.
	PullOrigin any = &origin{name: "sync-pull"}
	// RemoteOrigin is the default origin of ApplyRemoteUpdate.
	RemoteOrigin any = &origin{name: "sync-remote"}
)

type Options struct {
	Doc       *crdt.Doc
	Tree      *tree.Store
	Index     *index.Index
	Scheduler *scheduler.Scheduler
	Logger    *zap.SugaredLogger
	// CaptureTimeout is the undo merge window.
	CaptureTimeout time.Duration
	Now            func() time.Time
	// Datasource overrides DatasourceName.
	Datasource string
}

type Engine struct {
	mu    sync.Mutex
	doc   *crdt.Doc
	ds    *crdt.Map
	tree  *tree.Store
	index *index.Index
	sched *scheduler.Scheduler
	log   *zap.SugaredLogger
	undo  *undo.Coordinator

	qmu   sync.Mutex
	queue []func()

	unsubscribe []func()
}

// New binds a tree to a document. Records already in the document are
// imported into the tree; a missing root record comes from Genesis.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		doc:   opts.Doc,
		tree:  opts.Tree,
		index: opts.Index,
		sched: opts.Scheduler,
		log:   opts.Logger,
	}
	if e.doc == nil {
		e.doc = crdt.NewDoc()
	}
	if e.tree == nil {
		e.tree = tree.NewStore(tree.NewBus())
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	if e.sched == nil {
		e.sched = scheduler.New(scheduler.WithLogger(e.log))
	}
	if e.index == nil {
		e.index = index.New(e.tree, e.sched, 0, e.log)
	}
	name := opts.Datasource
	if name == "" {
		name = DatasourceName
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ds = e.doc.GetMap(name)
	if mirror.Lookup(e.ds, tree.RootID) == nil {
		if err := e.seedRoot(name); err != nil {
			return nil, err
		}
	}
	e.hydrate()

	e.undo = undo.New([]*crdt.Map{e.ds}, undo.Options{
		CaptureTimeout: opts.CaptureTimeout,
		Now:            opts.Now,
		Bus:            e.tree.Bus(),
	})

	e.unsubscribe = append(e.unsubscribe,
		e.tree.Bus().SubscribeAll(e.push),
		e.ds.ObserveDeep(e.pull),
	)
	return e, nil
}

// Doc returns the document. Callers must not touch it while the engine runs.
func (e *Engine) Doc() *crdt.Doc {
	return e.doc
}

func (e *Engine) Tree() *tree.Store {
	return e.tree
}

func (e *Engine) Index() *index.Index {
	return e.index
}

// Flush writes every queued push in one transaction.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Engine) flushLocked() {
	e.qmu.Lock()
	ops := e.queue
	e.queue = nil
	e.qmu.Unlock()
	e.sched.Cancel(FlushTaskKey)
	if len(ops) == 0 {
		return
	}
	e.doc.Transact(func(*crdt.Transaction) {
		for _, op := range ops {
			op()
		}
	}, nil)
}

// ApplyRemoteUpdate integrates an update from another replica. A nil origin
// means RemoteOrigin.
func (e *Engine) ApplyRemoteUpdate(update []byte, origin any) error {
	if origin == nil {
		origin = RemoteOrigin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return crdt.ApplyUpdate(e.doc, update, origin)
}

// EncodeState encodes the whole document, queued pushes included.
func (e *Engine) EncodeState() ([]byte, error) {
	return e.EncodeStateSince(nil)
}

// EncodeStateSince encodes what a replica with state vector sv lacks.
func (e *Engine) EncodeStateSince(sv []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return crdt.EncodeStateAsUpdate(e.doc, sv)
}

func (e *Engine) EncodeStateVector() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return crdt.EncodeStateVector(e.doc)
}

// OnUpdate registers fn for every document update. fn runs under the engine
// lock.
func (e *Engine) OnUpdate(fn crdt.UpdateHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	off := e.doc.OnUpdate(fn)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		off()
	}
}

// Undo reverts the latest local step and reports whether anything changed.
func (e *Engine) Undo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return e.undo.Undo()
}

func (e *Engine) Redo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return e.undo.Redo()
}

func (e *Engine) StopCapturing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	e.undo.StopCapturing()
}

func (e *Engine) MergeCapturing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	e.undo.MergeCapturing()
}

func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.undo.Clear()
}

func (e *Engine) UndoState() undo.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.State()
}

// OnUndoChange registers fn for undo state changes. fn runs under the engine
// lock.
func (e *Engine) OnUndoChange(fn func(undo.State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	off := e.undo.OnChange(fn)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		off()
	}
}

// Rollback reverts the document to the content of snapshot. The tree follows
// through the pull path.
func (e *Engine) Rollback(snapshot []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	changed, err := rollback.ReverseUpdate(e.doc, snapshot)
	if err != nil {
		return false, err
	}
	if changed {
		e.log.Infow("rolled back document", "records", len(mirror.RecordIDs(e.ds)))
	}
	return changed, nil
}

// Close flushes pending pushes and detaches the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	for _, fn := range e.unsubscribe {
		fn()
	}
	e.unsubscribe = nil
	e.undo.Destroy()
}
