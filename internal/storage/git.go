package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

const gitRefPrefix = "refs/treesync/"

// GitBlobStore keeps each blob as a git blob object reachable from a ref
// named after its key, so identical snapshots share one object.
type GitBlobStore struct {
	mu   sync.Mutex
	repo *git.Repository
}

// OpenGitBlobStore opens the bare repository at dir, creating it if needed.
func OpenGitBlobStore(dir string) (*GitBlobStore, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create repo dir")
		}
		repo, err = git.PlainInit(dir, true)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open repo %s", dir)
	}
	return &GitBlobStore{repo: repo}, nil
}

// NewMemoryGitBlobStore keeps the repository in memory.
func NewMemoryGitBlobStore() (*GitBlobStore, error) {
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "init repo")
	}
	return &GitBlobStore{repo: repo}, nil
}

func (s *GitBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.repo.Reference(refName(key), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "blob %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read ref %s", key)
	}
	blob, err := s.repo.BlobObject(ref.Hash())
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", key)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, errors.Wrapf(err, "open blob %s", key)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", key)
	}
	return data, nil
}

func (s *GitBlobStore) Set(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	writer, err := obj.Writer()
	if err != nil {
		return errors.Wrap(err, "open blob writer")
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "write blob")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "close blob writer")
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return errors.Wrap(err, "store blob")
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(refName(key), hash)); err != nil {
		return errors.Wrapf(err, "set ref %s", key)
	}
	return nil
}

// Remove drops the ref. The object stays until the repository is pruned.
func (s *GitBlobStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Storer.RemoveReference(refName(key)); err != nil {
		return errors.Wrapf(err, "remove ref %s", key)
	}
	return nil
}

func refName(key string) plumbing.ReferenceName {
	return plumbing.ReferenceName(gitRefPrefix + sanitizeRef(key))
}

// sanitizeRef escapes bytes git does not allow in ref names.
func sanitizeRef(input string) string {
	var b strings.Builder
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
