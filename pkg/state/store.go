// Package state keeps local records of created endpoints so they can be torn down later.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/exp/slices"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/types"
)

const keyPrefix = "deployment/"

type Store struct {
	db *leveldb.DB
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".smdeploy", "state")
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state store path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, deployment types.Deployment) error {
	if deployment.EndpointName == "" {
		return smerrors.NewParameterInvalidError("deployment has no endpoint name")
	}
	val, err := json.Marshal(deployment)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(keyPrefix+deployment.EndpointName), val, nil)
}

func (s *Store) Get(ctx context.Context, endpoint string) (*types.Deployment, error) {
	val, err := s.db.Get([]byte(keyPrefix+endpoint), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, smerrors.NewEndpointUnknownError(endpoint)
		}
		return nil, err
	}
	deployment := &types.Deployment{}
	if err := json.Unmarshal(val, deployment); err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", endpoint, err)
	}
	return deployment, nil
}

// List returns the records sorted by creation time, newest first.
func (s *Store) List(ctx context.Context) ([]types.Deployment, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	list := []types.Deployment{}
	for iter.Next() {
		deployment := types.Deployment{}
		if err := json.Unmarshal(iter.Value(), &deployment); err != nil {
			return nil, fmt.Errorf("decode deployment %s: %w", iter.Key(), err)
		}
		list = append(list, deployment)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	slices.SortFunc(list, func(a, b types.Deployment) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.EndpointName < b.EndpointName
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return list, nil
}

// Remove is a no-op for unknown endpoints.
func (s *Store) Remove(ctx context.Context, endpoint string) error {
	return s.db.Delete([]byte(keyPrefix+endpoint), nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}
