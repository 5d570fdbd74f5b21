// Package storage persists snapshot blobs and snapshot lists.
package storage

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get and GetList for unknown keys.
var ErrNotFound = errors.New("not found")

// BlobStore holds opaque bytes by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
}

// HistoryItem is one entry of a snapshot list.
type HistoryItem struct {
	Hash       string `json:"hash"`
	CreateDate int64  `json:"createDate"`
	Note       string `json:"note,omitempty"`
}

// List is the persisted snapshot list of one scope, newest first.
type List struct {
	Items      []HistoryItem `json:"list"`
	UpdateTime int64         `json:"updateTime"`
}

// ListStore holds snapshot lists by scope key.
type ListStore interface {
	GetList(ctx context.Context, key string) (*List, error)
	SetList(ctx context.Context, key string, list *List) error
}

// Lists stores lists as JSON blobs, for backends that only hold bytes.
type Lists struct {
	Blobs BlobStore
}

func NewLists(blobs BlobStore) *Lists {
	return &Lists{Blobs: blobs}
}

func (l *Lists) GetList(ctx context.Context, key string) (*List, error) {
	raw, err := l.Blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeList(raw)
}

func (l *Lists) SetList(ctx context.Context, key string, list *List) error {
	raw, err := encodeList(list)
	if err != nil {
		return err
	}
	return l.Blobs.Set(ctx, key, raw)
}

func encodeList(list *List) ([]byte, error) {
	if list == nil {
		list = &List{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "marshal list")
	}
	return raw, nil
}

func decodeList(raw []byte) (*List, error) {
	var list List
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal list")
	}
	return &list, nil
}
