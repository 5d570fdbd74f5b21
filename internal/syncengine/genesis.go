package syncengine

import (
	"treesync/internal/crdt"
	"treesync/internal/mirror"
	"treesync/internal/tree"
)

// GenesisClientID authors the initial root record. Replicas that start from
// an empty document all apply the same genesis update, so their root records
// are one item instead of concurrent writes to the same key. It lies just
// above the range of random client ids and is still exact as a float64.
const GenesisClientID uint64 = 1 << 53

// Genesis encodes the document every replica of datasource starts from: a
// datasource holding only the root record.
func Genesis(datasource string) ([]byte, error) {
	doc := crdt.NewDoc(crdt.WithClientID(GenesisClientID))
	root := tree.NewStore(tree.NewBus()).Root()
	if _, err := mirror.ToRecord(doc.GetMap(datasource), mirror.FromNode(root)); err != nil {
		return nil, err
	}
	return crdt.EncodeStateAsUpdate(doc, nil)
}

// seedRoot applies the genesis update to a document without a root record
// and writes whatever the local root already holds on top of it.
func (e *Engine) seedRoot(name string) error {
	genesis, err := Genesis(name)
	if err != nil {
		return err
	}
	if err := crdt.ApplyUpdate(e.doc, genesis, nil); err != nil {
		return err
	}
	rec := mirror.Lookup(e.ds, tree.RootID)
	for _, task := range mirror.Diff(e.tree.Root(), rec) {
		if err := mirror.Apply(e.ds, task); err != nil {
			return err
		}
	}
	return nil
}
