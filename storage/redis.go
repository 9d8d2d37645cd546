package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-workflow/types"
)

const (
	rulePrefix           = "rule:"
	ruleItemPrefix       = "rule:item:"
	ruleConditionsPrefix = "rule:conditions:"
	ruleAllKey           = "rule:all"
	conditionPrefix      = "condition:"
	selectorPrefix       = "selector:"
	selectorItemPrefix   = "selector:item:"
	selectorGroupPrefix  = "selector:group:"
	selectorFilterPrefix = "selector:filters:"
	filterPrefix         = "filter:"
	constantsPrefix      = "constants:"
	sequencePrefix       = "seq:"
)

// RedisRuleStore is a Redis-backed implementation of RuleStore.
//
// Entities are stored as JSON strings under "<kind>:<id>"; ownership is
// indexed with sets so lookups by item, rule, selector and group stay
// O(members). Ids come from one INCR counter per entity kind.
type RedisRuleStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisRuleStore connects to Redis and verifies the connection.
func NewRedisRuleStore(opts RedisOptions) (*RedisRuleStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRuleStore{client: client}, nil
}

// NewRedisRuleStoreWithClient wraps an existing client.
func NewRedisRuleStoreWithClient(client *redis.Client) *RedisRuleStore {
	return &RedisRuleStore{client: client}
}

// Close closes the Redis client connection.
func (s *RedisRuleStore) Close() error {
	return s.client.Close()
}

func key(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

func (s *RedisRuleStore) nextID(ctx context.Context, kind string) (uint64, error) {
	n, err := s.client.Incr(ctx, sequencePrefix+kind).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", kind, err)
	}
	return uint64(n), nil
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		k := key(prefix, id)
		data, err := client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", k, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		return result, nil
	})
}

// getMany loads every id listed in the set at setKey, ordered by id.
func getMany[T any](ctx context.Context, client *redis.Client, setKey, prefix string) ([]T, error) {
	ids, err := setIDs(ctx, client, setKey)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(prefix, id)
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s members: %w", setKey, err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry outlived its value
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

func setIDs(ctx context.Context, client *redis.Client, setKey string) ([]uint64, error) {
	members, err := client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", setKey, err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt member %q in %s: %w", m, setKey, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, k string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", k, err)
	}
	pipe.Set(ctx, k, data, 0)
	return nil
}

func (s *RedisRuleStore) exists(ctx context.Context, prefix string, id uint64, errNotFound error) error {
	n, err := s.client.Exists(ctx, key(prefix, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", key(prefix, id), err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", errNotFound, id)
	}
	return nil
}

// Rules

func (s *RedisRuleStore) CreateRule(ctx context.Context, rule *types.RuleDefinition) error {
	return withContextError(ctx, func() error {
		id, err := s.nextID(ctx, KindRule)
		if err != nil {
			return err
		}
		rule.ID = id
		for i := range rule.Conditions {
			cid, err := s.nextID(ctx, KindCondition)
			if err != nil {
				return err
			}
			rule.Conditions[i].ID = cid
			rule.Conditions[i].RuleID = id
		}
		header := *rule
		header.Conditions = nil
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(rulePrefix, id), header); err != nil {
				return err
			}
			pipe.SAdd(ctx, key(ruleItemPrefix, rule.ItemID), id)
			pipe.SAdd(ctx, ruleAllKey, id)
			for _, c := range rule.Conditions {
				if err := setJSON(ctx, pipe, key(conditionPrefix, c.ID), c); err != nil {
					return err
				}
				pipe.SAdd(ctx, key(ruleConditionsPrefix, id), c.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create rule %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) ReadRule(ctx context.Context, id uint64) (types.RuleDefinition, error) {
	rule, err := getFromRedis[types.RuleDefinition](ctx, s.client, rulePrefix, id, ErrRuleNotFound)
	if err != nil {
		return types.RuleDefinition{}, err
	}
	if rule.Conditions, err = s.FindConditionsByRuleID(ctx, id); err != nil {
		return types.RuleDefinition{}, err
	}
	return rule, nil
}

func (s *RedisRuleStore) UpdateRule(ctx context.Context, rule types.RuleDefinition) error {
	return withContextError(ctx, func() error {
		old, err := getFromRedis[types.RuleDefinition](ctx, s.client, rulePrefix, rule.ID, ErrRuleNotFound)
		if err != nil {
			return err
		}
		rule.Conditions = nil
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(rulePrefix, rule.ID), rule); err != nil {
				return err
			}
			if old.ItemID != rule.ItemID {
				pipe.SRem(ctx, key(ruleItemPrefix, old.ItemID), rule.ID)
				pipe.SAdd(ctx, key(ruleItemPrefix, rule.ItemID), rule.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) RemoveRule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return s.removeRule(ctx, id, true)
	})
}

func (s *RedisRuleStore) RemoveRules(ctx context.Context, ids []uint64) error {
	return withContextError(ctx, func() error {
		for _, id := range ids {
			if err := s.removeRule(ctx, id, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RedisRuleStore) removeRule(ctx context.Context, id uint64, mustExist bool) error {
	rule, err := getFromRedis[types.RuleDefinition](ctx, s.client, rulePrefix, id, ErrRuleNotFound)
	if errors.Is(err, ErrRuleNotFound) && !mustExist {
		return nil
	} else if err != nil {
		return err
	}
	condIDs, err := setIDs(ctx, s.client, key(ruleConditionsPrefix, id))
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(rulePrefix, id), key(ruleConditionsPrefix, id))
		pipe.SRem(ctx, key(ruleItemPrefix, rule.ItemID), id)
		pipe.SRem(ctx, ruleAllKey, id)
		for _, cid := range condIDs {
			pipe.Del(ctx, key(conditionPrefix, cid))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove rule %d: %w", id, err)
	}
	return nil
}

func (s *RedisRuleStore) FindRulesByItemID(ctx context.Context, itemID uint64) ([]types.RuleDefinition, error) {
	return s.loadRules(ctx, key(ruleItemPrefix, itemID))
}

func (s *RedisRuleStore) loadRules(ctx context.Context, setKey string) ([]types.RuleDefinition, error) {
	return withContext(ctx, func() ([]types.RuleDefinition, error) {
		rules, err := getMany[types.RuleDefinition](ctx, s.client, setKey, rulePrefix)
		if err != nil {
			return nil, err
		}
		for i := range rules {
			if rules[i].Conditions, err = s.FindConditionsByRuleID(ctx, rules[i].ID); err != nil {
				return nil, err
			}
		}
		return rules, nil
	})
}

func (s *RedisRuleStore) FindItemIDsByCriteria(ctx context.Context, criteria map[string]string) ([]uint64, error) {
	rules, err := s.loadRules(ctx, ruleAllKey)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool)
	for _, r := range rules {
		if ruleMatchesCriteria(r.Conditions, criteria) {
			seen[r.ItemID] = true
		}
	}
	return sortedKeys(seen), nil
}

// Conditions

func (s *RedisRuleStore) CreateCondition(ctx context.Context, cond *types.RuleConditionDefinition) error {
	return withContextError(ctx, func() error {
		if err := s.exists(ctx, rulePrefix, cond.RuleID, ErrRuleNotFound); err != nil {
			return err
		}
		id, err := s.nextID(ctx, KindCondition)
		if err != nil {
			return err
		}
		cond.ID = id
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(conditionPrefix, id), cond); err != nil {
				return err
			}
			pipe.SAdd(ctx, key(ruleConditionsPrefix, cond.RuleID), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create condition %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) ReadCondition(ctx context.Context, id uint64) (types.RuleConditionDefinition, error) {
	return getFromRedis[types.RuleConditionDefinition](ctx, s.client, conditionPrefix, id, ErrConditionNotFound)
}

func (s *RedisRuleStore) UpdateCondition(ctx context.Context, cond types.RuleConditionDefinition) error {
	return withContextError(ctx, func() error {
		old, err := s.ReadCondition(ctx, cond.ID)
		if err != nil {
			return err
		}
		if err := s.exists(ctx, rulePrefix, cond.RuleID, ErrRuleNotFound); err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(conditionPrefix, cond.ID), cond); err != nil {
				return err
			}
			if old.RuleID != cond.RuleID {
				pipe.SRem(ctx, key(ruleConditionsPrefix, old.RuleID), cond.ID)
				pipe.SAdd(ctx, key(ruleConditionsPrefix, cond.RuleID), cond.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update condition %d: %w", cond.ID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) RemoveCondition(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		cond, err := s.ReadCondition(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key(conditionPrefix, id))
			pipe.SRem(ctx, key(ruleConditionsPrefix, cond.RuleID), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to remove condition %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) FindConditionsByRuleID(ctx context.Context, ruleID uint64) ([]types.RuleConditionDefinition, error) {
	return withContext(ctx, func() ([]types.RuleConditionDefinition, error) {
		return getMany[types.RuleConditionDefinition](ctx, s.client, key(ruleConditionsPrefix, ruleID), conditionPrefix)
	})
}

// Selectors

func (s *RedisRuleStore) CreateSelector(ctx context.Context, sel *types.SelectorDefinition) error {
	return withContextError(ctx, func() error {
		id, err := s.nextID(ctx, KindSelector)
		if err != nil {
			return err
		}
		sel.ID = id
		for i := range sel.Filters {
			fid, err := s.nextID(ctx, KindFilter)
			if err != nil {
				return err
			}
			sel.Filters[i].ID = fid
			sel.Filters[i].SelectorID = id
		}
		header := *sel
		header.Filters = nil
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(selectorPrefix, id), header); err != nil {
				return err
			}
			pipe.SAdd(ctx, key(selectorItemPrefix, sel.ItemID), id)
			pipe.SAdd(ctx, key(selectorGroupPrefix, sel.GroupID), id)
			for _, f := range sel.Filters {
				if err := setJSON(ctx, pipe, key(filterPrefix, f.ID), f); err != nil {
					return err
				}
				pipe.SAdd(ctx, key(selectorFilterPrefix, id), f.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create selector %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) ReadSelector(ctx context.Context, id uint64) (types.SelectorDefinition, error) {
	sel, err := getFromRedis[types.SelectorDefinition](ctx, s.client, selectorPrefix, id, ErrSelectorNotFound)
	if err != nil {
		return types.SelectorDefinition{}, err
	}
	if sel.Filters, err = s.FindFiltersBySelectorID(ctx, id); err != nil {
		return types.SelectorDefinition{}, err
	}
	return sel, nil
}

func (s *RedisRuleStore) UpdateSelector(ctx context.Context, sel types.SelectorDefinition) error {
	return withContextError(ctx, func() error {
		old, err := getFromRedis[types.SelectorDefinition](ctx, s.client, selectorPrefix, sel.ID, ErrSelectorNotFound)
		if err != nil {
			return err
		}
		sel.Filters = nil
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(selectorPrefix, sel.ID), sel); err != nil {
				return err
			}
			if old.ItemID != sel.ItemID {
				pipe.SRem(ctx, key(selectorItemPrefix, old.ItemID), sel.ID)
				pipe.SAdd(ctx, key(selectorItemPrefix, sel.ItemID), sel.ID)
			}
			if old.GroupID != sel.GroupID {
				pipe.SRem(ctx, key(selectorGroupPrefix, old.GroupID), sel.ID)
				pipe.SAdd(ctx, key(selectorGroupPrefix, sel.GroupID), sel.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update selector %d: %w", sel.ID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) RemoveSelector(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return s.removeSelector(ctx, id, true)
	})
}

func (s *RedisRuleStore) RemoveSelectorsByGroupID(ctx context.Context, groupID uint64) error {
	return withContextError(ctx, func() error {
		ids, err := setIDs(ctx, s.client, key(selectorGroupPrefix, groupID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.removeSelector(ctx, id, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RedisRuleStore) removeSelector(ctx context.Context, id uint64, mustExist bool) error {
	sel, err := getFromRedis[types.SelectorDefinition](ctx, s.client, selectorPrefix, id, ErrSelectorNotFound)
	if errors.Is(err, ErrSelectorNotFound) && !mustExist {
		return nil
	} else if err != nil {
		return err
	}
	filterIDs, err := setIDs(ctx, s.client, key(selectorFilterPrefix, id))
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(selectorPrefix, id), key(selectorFilterPrefix, id))
		pipe.SRem(ctx, key(selectorItemPrefix, sel.ItemID), id)
		pipe.SRem(ctx, key(selectorGroupPrefix, sel.GroupID), id)
		for _, fid := range filterIDs {
			pipe.Del(ctx, key(filterPrefix, fid))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove selector %d: %w", id, err)
	}
	return nil
}

func (s *RedisRuleStore) FindSelectorsByItemID(ctx context.Context, itemID uint64) ([]types.SelectorDefinition, error) {
	return withContext(ctx, func() ([]types.SelectorDefinition, error) {
		sels, err := getMany[types.SelectorDefinition](ctx, s.client, key(selectorItemPrefix, itemID), selectorPrefix)
		if err != nil {
			return nil, err
		}
		for i := range sels {
			if sels[i].Filters, err = s.FindFiltersBySelectorID(ctx, sels[i].ID); err != nil {
				return nil, err
			}
		}
		return sels, nil
	})
}

// Filters

func (s *RedisRuleStore) CreateFilter(ctx context.Context, filter *types.RuleFilterDefinition) error {
	return withContextError(ctx, func() error {
		if err := s.exists(ctx, selectorPrefix, filter.SelectorID, ErrSelectorNotFound); err != nil {
			return err
		}
		id, err := s.nextID(ctx, KindFilter)
		if err != nil {
			return err
		}
		filter.ID = id
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(filterPrefix, id), filter); err != nil {
				return err
			}
			pipe.SAdd(ctx, key(selectorFilterPrefix, filter.SelectorID), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to create filter %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) ReadFilter(ctx context.Context, id uint64) (types.RuleFilterDefinition, error) {
	return getFromRedis[types.RuleFilterDefinition](ctx, s.client, filterPrefix, id, ErrFilterNotFound)
}

func (s *RedisRuleStore) UpdateFilter(ctx context.Context, filter types.RuleFilterDefinition) error {
	return withContextError(ctx, func() error {
		old, err := s.ReadFilter(ctx, filter.ID)
		if err != nil {
			return err
		}
		if err := s.exists(ctx, selectorPrefix, filter.SelectorID, ErrSelectorNotFound); err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, key(filterPrefix, filter.ID), filter); err != nil {
				return err
			}
			if old.SelectorID != filter.SelectorID {
				pipe.SRem(ctx, key(selectorFilterPrefix, old.SelectorID), filter.ID)
				pipe.SAdd(ctx, key(selectorFilterPrefix, filter.SelectorID), filter.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update filter %d: %w", filter.ID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) RemoveFilter(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		filter, err := s.ReadFilter(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key(filterPrefix, id))
			pipe.SRem(ctx, key(selectorFilterPrefix, filter.SelectorID), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to remove filter %d: %w", id, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) RemoveFiltersBySelectorID(ctx context.Context, selectorID uint64) error {
	return withContextError(ctx, func() error {
		ids, err := setIDs(ctx, s.client, key(selectorFilterPrefix, selectorID))
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids {
				pipe.Del(ctx, key(filterPrefix, id))
			}
			pipe.Del(ctx, key(selectorFilterPrefix, selectorID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to remove filters of selector %d: %w", selectorID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) FindFiltersBySelectorID(ctx context.Context, selectorID uint64) ([]types.RuleFilterDefinition, error) {
	return withContext(ctx, func() ([]types.RuleFilterDefinition, error) {
		return getMany[types.RuleFilterDefinition](ctx, s.client, key(selectorFilterPrefix, selectorID), filterPrefix)
	})
}

// Constants

func (s *RedisRuleStore) SaveConstants(ctx context.Context, ownerID uint64, constants types.RuleConstants) error {
	return withContextError(ctx, func() error {
		k := key(constantsPrefix, ownerID)
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			if len(constants) > 0 {
				values := make(map[string]interface{}, len(constants))
				for name, v := range constants {
					values[name] = v
				}
				pipe.HSet(ctx, k, values)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save constants of %d: %w", ownerID, err)
		}
		return nil
	})
}

func (s *RedisRuleStore) ReadConstants(ctx context.Context, ownerID uint64) (types.RuleConstants, error) {
	return withContext(ctx, func() (types.RuleConstants, error) {
		values, err := s.client.HGetAll(ctx, key(constantsPrefix, ownerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read constants of %d: %w", ownerID, err)
		}
		return types.RuleConstants(values), nil
	})
}
