package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/digimosa/shop-patrol/internal/config"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
)

const maxWatchRetries = 10

// RedisStore keeps each run as a JSON document plus an items hash keyed by
// item key, and announces changes on a pub/sub channel.
//
// Layout under prefix p:
//
//	p:runs            sorted set of run ids scored by creation time
//	p:run:<id>        run document without items
//	p:run:<id>:items  hash item key -> item JSON
//	p:changes         pub/sub channel carrying changed run ids
type RedisStore struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg config.RedisConfig, log logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "patrol"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *RedisStore) indexKey() string { return s.prefix + ":runs" }
func (s *RedisStore) runKey(id string) string { return s.prefix + ":run:" + id }
func (s *RedisStore) itemsKey(id string) string { return s.prefix + ":run:" + id + ":items" }
func (s *RedisStore) channel() string { return s.prefix + ":changes" }

func (s *RedisStore) Create(ctx context.Context, run *models.PatrolRun) (string, error) {
	prepareNew(run)
	doc := *run
	doc.Items = nil
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), raw, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := s.writeItems(ctx, run.ID, run.Items, false); err != nil {
		return "", err
	}
	s.publish(ctx, run.ID)
	return run.ID, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) error {
	key := s.runKey(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc models.PatrolRun
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode run %s: %w", id, err)
		}
		meta := patch
		meta.AppendItems, meta.UpsertItems = nil, nil
		applyPatch(&doc, meta)
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return err
	}

	if err := s.writeItems(ctx, id, patch.AppendItems, false); err != nil {
		return err
	}
	if err := s.writeItems(ctx, id, patch.UpsertItems, true); err != nil {
		return err
	}
	s.publish(ctx, id)
	return nil
}

// writeItems uses HSETNX for union-append and HSET for upsert.
func (s *RedisStore) writeItems(ctx context.Context, id string, items []models.ScannedItem, upsert bool) error {
	if len(items) == 0 {
		return nil
	}
	key := s.itemsKey(id)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			raw, err := json.Marshal(it)
			if err != nil {
				return err
			}
			if upsert {
				pipe.HSet(ctx, key, it.Key(), raw)
			} else {
				pipe.HSetNX(ctx, key, it.Key(), raw)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write items: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.PatrolRun, error) {
	run, err := s.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.itemsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	run.Items = make([]models.ScannedItem, 0, len(fields))
	for _, v := range fields {
		var it models.ScannedItem
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			s.log.Warnf(ctx, "[Storage] skipping undecodable item in run %s: %v", id, err)
			continue
		}
		run.Items = append(run.Items, it)
	}
	sortItems(run.Items)
	return run, nil
}

func (s *RedisStore) getDoc(ctx context.Context, id string) (*models.PatrolRun, error) {
	raw, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run models.PatrolRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// List returns matching runs without their items, newest first.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]models.PatrolRun, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.PatrolRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.getDoc(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.match(run) {
			out = append(out, *run)
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Subscribe listens on the change channel and re-lists on every message.
func (s *RedisStore) Subscribe(ctx context.Context, filter ListFilter) (<-chan []models.PatrolRun, error) {
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	first, err := s.List(ctx, filter)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []models.PatrolRun, 1)
	out <- first
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			}
			runs, err := s.List(ctx, filter)
			if err != nil {
				s.log.Warnf(ctx, "[Storage] subscription refresh failed: %v", err)
				continue
			}
			select {
			case out <- runs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) publish(ctx context.Context, id string) {
	if err := s.client.Publish(ctx, s.channel(), id).Err(); err != nil {
		s.log.Warnf(ctx, "[Storage] publish change for %s failed: %v", id, err)
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
