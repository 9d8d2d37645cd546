package rules

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/approval-workflow/types"
)

// IsFilterSatisfied applies filter to rc, with the same semantics as a rule condition.
func (m *Manager) IsFilterSatisfied(filter types.RuleFilterDefinition, rc *Context) bool {
	return m.leafSatisfied(filter.Field, filter.Operator, filter.Value, rc)
}

// IsSelectorSatisfied reports whether every filter of sel holds. A selector
// without filters always applies.
func (m *Manager) IsSelectorSatisfied(sel types.SelectorDefinition, rc *Context) bool {
	for _, f := range sel.Filters {
		if !m.IsFilterSatisfied(f, rc) {
			return false
		}
	}
	return true
}

// ResolveActors returns the union of the groups, and their members, of the
// selectors of itemID that hold in rc.
func (m *Manager) ResolveActors(ctx context.Context, itemID uint64, rc *Context) (types.Actors, error) {
	selectors, err := m.store.FindSelectorsByItemID(ctx, itemID)
	if err != nil {
		return types.Actors{}, err
	}
	return m.ResolveActorsWith(ctx, selectors, rc)
}

// ResolveActorsWith is ResolveActors over selectors the caller already loaded.
func (m *Manager) ResolveActorsWith(ctx context.Context, selectors []types.SelectorDefinition, rc *Context) (types.Actors, error) {
	groupIDs := m.selectedGroups(selectors, rc)
	members, err := m.loadGroups(ctx, groupIDs)
	if err != nil {
		return types.Actors{}, err
	}
	return assemble(groupIDs, members), nil
}

// ResolveActorsForItems resolves a batch of selectors grouped by owning
// item. Each group is loaded once for the whole batch; the result for every
// item equals ResolveActorsWith over that item's selectors.
func (m *Manager) ResolveActorsForItems(ctx context.Context, batch map[uint64][]types.SelectorDefinition, rc *Context) (map[uint64]types.Actors, error) {
	perItem := make(map[uint64][]uint64, len(batch))
	var all []uint64
	seen := make(map[uint64]bool)
	for itemID, selectors := range batch {
		ids := m.selectedGroups(selectors, rc)
		perItem[itemID] = ids
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
	}
	members, err := m.loadGroups(ctx, all)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]types.Actors, len(batch))
	for itemID, ids := range perItem {
		out[itemID] = assemble(ids, members)
	}
	return out, nil
}

// selectedGroups returns the distinct group ids of the satisfied selectors in selector id order.
func (m *Manager) selectedGroups(selectors []types.SelectorDefinition, rc *Context) []uint64 {
	sorted := append([]types.SelectorDefinition(nil), selectors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var ids []uint64
	seen := make(map[uint64]bool)
	for _, sel := range sorted {
		if seen[sel.GroupID] || !m.IsSelectorSatisfied(sel, rc) {
			continue
		}
		seen[sel.GroupID] = true
		ids = append(ids, sel.GroupID)
	}
	return ids
}

type groupMembers struct {
	group types.AccountGroup
	users []types.AccountUser
}

// loadGroups fetches the groups and their members concurrently.
func (m *Manager) loadGroups(ctx context.Context, groupIDs []uint64) (map[uint64]groupMembers, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	if m.accounts == nil {
		return nil, ErrNoAccountStore
	}
	results := make([]groupMembers, len(groupIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range groupIDs {
		i, id := i, id
		g.Go(func() error {
			group, err := m.accounts.ReadGroup(gctx, id)
			if err != nil {
				return err
			}
			users, err := m.accounts.FindUsersByGroupID(gctx, id)
			if err != nil {
				return err
			}
			results[i] = groupMembers{group: group, users: users}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[uint64]groupMembers, len(groupIDs))
	for i, id := range groupIDs {
		out[id] = results[i]
	}
	m.logger.Debug("resolved account groups", zap.Int("groups", len(out)))
	return out, nil
}

// assemble unions the groups and members of groupIDs, deduplicating users by id.
func assemble(groupIDs []uint64, members map[uint64]groupMembers) types.Actors {
	var actors types.Actors
	seen := make(map[uint64]bool)
	for _, id := range groupIDs {
		gm := members[id]
		actors.Groups = append(actors.Groups, gm.group)
		for _, u := range gm.users {
			if !seen[u.ID] {
				seen[u.ID] = true
				actors.Users = append(actors.Users, u)
			}
		}
	}
	return actors
}
