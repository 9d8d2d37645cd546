package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-workflow/types"
)

// MemoryAccountStore is an in-memory AccountStore. Members keep the order
// they were added in.
type MemoryAccountStore struct {
	groups  map[uint64]types.AccountGroup
	members map[uint64][]types.AccountUser
	mu      sync.RWMutex
}

// NewMemoryAccountStore creates an empty MemoryAccountStore.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		groups:  make(map[uint64]types.AccountGroup),
		members: make(map[uint64][]types.AccountUser),
	}
}

// SaveGroup creates or replaces a group and its members.
func (s *MemoryAccountStore) SaveGroup(group types.AccountGroup, members ...types.AccountUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = group
	s.members[group.ID] = append([]types.AccountUser(nil), members...)
}

func (s *MemoryAccountStore) ReadGroup(ctx context.Context, id uint64) (types.AccountGroup, error) {
	return withContext(ctx, func() (types.AccountGroup, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return lookup(s.groups, id, ErrGroupNotFound)
	})
}

func (s *MemoryAccountStore) FindUsersByGroupID(ctx context.Context, groupID uint64) ([]types.AccountUser, error) {
	return withContext(ctx, func() ([]types.AccountUser, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.groups[groupID]; !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrGroupNotFound, groupID)
		}
		return append([]types.AccountUser(nil), s.members[groupID]...), nil
	})
}
