// Package rollback reverts a live document to the content of a snapshot.
//
// The revert is computed on a detached replica built from the snapshot: the
// changes the live document made since the snapshot are applied to the
// replica under an undo manager and then undone, and the replica's new
// operations are shipped back to the live document as one transaction.
package rollback

import (
	"github.com/cockroachdb/errors"

	"treesync/internal/crdt"
	"treesync/internal/jsonval"
)

type origin struct {
	name string
}

func (o *origin) String() string { return o.name }

// Origin tags the transaction that applies a rollback to the live document.
var Origin any = &origin{name: "SNAPSHOT_REVERSE"}

func IsReverseOrigin(o any) bool {
	return o == Origin
}

// CollectMetadata reports the structural type of every root of doc. A root
// whose type cannot be told makes rollback impossible, so it is an error.
func CollectMetadata(doc *crdt.Doc) (map[string]crdt.ShareKind, error) {
	share := doc.Share()
	for name, kind := range share {
		if kind == crdt.KindUnknown {
			return nil, errors.Wrapf(crdt.ErrUnknownShareType, "root %q", name)
		}
	}
	return share, nil
}

// CreateSnapshotDocument materializes snapshot bytes into a detached
// document. Bytes alone do not carry root types, so roots names the map roots
// the caller knows about; they are typed before the bytes are applied.
func CreateSnapshotDocument(snapshot []byte, roots ...string) (*crdt.Doc, error) {
	doc := crdt.NewDoc()
	for _, name := range roots {
		doc.GetMap(name)
	}
	if err := crdt.ApplyUpdate(doc, snapshot, nil); err != nil {
		return nil, errors.Wrap(err, "materialize snapshot")
	}
	return doc, nil
}

// ReverseUpdate reverts live to the content of snapshot and reports whether
// live changed. live must not be inside a transaction.
func ReverseUpdate(live *crdt.Doc, snapshot []byte) (bool, error) {
	snapshotDoc, err := CreateSnapshotDocument(snapshot)
	if err != nil {
		return false, err
	}
	if jsonval.Equal(live.Content(), snapshotDoc.Content()) {
		return false, nil
	}

	delta, err := crdt.EncodeStateAsUpdate(live, crdt.EncodeStateVector(snapshotDoc))
	if err != nil {
		return false, errors.Wrap(err, "encode changes since snapshot")
	}
	share, err := CollectMetadata(live)
	if err != nil {
		return false, err
	}

	var scope []*crdt.Map
	for name, kind := range share {
		if kind == crdt.KindMap {
			scope = append(scope, snapshotDoc.GetMap(name))
		}
	}
	um := crdt.NewUndoManager(scope, crdt.UndoOptions{})
	defer um.Destroy()

	if err := crdt.ApplyUpdate(snapshotDoc, delta, nil); err != nil {
		return false, errors.Wrap(err, "bring snapshot forward")
	}
	um.Undo()

	revert, err := crdt.EncodeStateAsUpdate(snapshotDoc, crdt.EncodeStateVector(live))
	if err != nil {
		return false, errors.Wrap(err, "encode revert")
	}
	if err := crdt.ApplyUpdate(live, revert, Origin); err != nil {
		return false, errors.Wrap(err, "apply revert")
	}
	return true, nil
}
