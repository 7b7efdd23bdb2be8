// Package redissource keeps tasks and overrides in Redis hashes and
// announces every write on a pub/sub channel.
package redissource

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/source"
)

const DefaultPrefix = "taskcal"

// maxTxRetries bounds optimistic-lock retries of a task update.
const maxTxRetries = 5

const defaultReconnectDelay = time.Second

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type change struct {
	UID    string        `json:"uid"`
	Stream source.Stream `json:"stream"`
}

type Source struct {
	rc     *redis.Client
	owned  bool
	prefix string
	hub    *source.Hub
	now    func() time.Time

	// reconnect is the pause before resubscribing after the pub/sub
	// channel closes.
	reconnect time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open connects to Redis and starts listening for changes.
func Open(ctx context.Context, opts Options) (*Source, error) {
	rc := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	s, err := New(ctx, rc, opts.Prefix)
	if err != nil {
		rc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing client. It returns once the change subscription is
// confirmed so no write made afterwards goes unnoticed.
func New(ctx context.Context, rc *redis.Client, prefix string) (*Source, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Source{
		rc:        rc,
		prefix:    prefix,
		hub:       source.NewHub(),
		now:       time.Now,
		reconnect: defaultReconnectDelay,
		done:      make(chan struct{}),
	}
	sub := rc.Subscribe(ctx, s.changesKey())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.changesKey(), err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(lctx, sub)
	return s, nil
}

func (s *Source) tasksKey(uid string) string { return s.prefix + ":tasks:" + uid }
func (s *Source) ownersKey() string          { return s.prefix + ":owners" }
func (s *Source) changesKey() string         { return s.prefix + ":changes" }
func (s *Source) overridesKey(uid string, kind model.OverrideKind) string {
	return s.prefix + ":overrides:" + uid + ":" + string(kind)
}

// listen forwards change announcements to local watchers, resubscribing
// when the pub/sub connection drops.
func (s *Source) listen(ctx context.Context, sub *redis.PubSub) {
	defer close(s.done)
	for {
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var c change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					appLog.Warn("unable to parse change", "payload", msg.Payload, "err", err)
					continue
				}
				s.hub.Notify(c.UID, c.Stream)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		appLog.Warn("pubsub channel closed, reconnecting", "delay", s.reconnect)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
		sub = s.rc.Subscribe(ctx, s.changesKey())
	}
}

func (s *Source) publish(ctx context.Context, pipe redis.Pipeliner, uid string, stream source.Stream) error {
	data, err := json.Marshal(change{UID: uid, Stream: stream})
	if err != nil {
		return err
	}
	return pipe.Publish(ctx, s.changesKey(), data).Err()
}

func (s *Source) SubscribeTasks(ctx context.Context, uid string) (<-chan []model.Task, error) {
	changes := s.hub.Watch(ctx, uid, source.StreamTasks)
	return source.Pump(ctx, changes, func(ctx context.Context) ([]model.Task, error) {
		return s.loadTasks(ctx, uid)
	}, s.tasksKey(uid)), nil
}

func (s *Source) SubscribeOverrides(ctx context.Context, uid string, kind model.OverrideKind) (<-chan model.OverrideSnapshot, error) {
	changes := s.hub.Watch(ctx, uid, source.OverrideStream(kind))
	return source.Pump(ctx, changes, func(ctx context.Context) (model.OverrideSnapshot, error) {
		return s.loadOverrides(ctx, uid, kind)
	}, s.overridesKey(uid, kind)), nil
}

func (s *Source) loadTasks(ctx context.Context, uid string) ([]model.Task, error) {
	raw, err := s.rc.HGetAll(ctx, s.tasksKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(raw))
	for id, v := range raw {
		var t model.Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			appLog.Warn("skipping undecodable task", "uid", uid, "task", id, "err", err)
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b model.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Source) loadOverrides(ctx context.Context, uid string, kind model.OverrideKind) (model.OverrideSnapshot, error) {
	raw, err := s.rc.HGetAll(ctx, s.overridesKey(uid, kind)).Result()
	if err != nil {
		return nil, err
	}
	out := make(model.OverrideSnapshot, len(raw))
	for id, v := range raw {
		var ov model.OverrideValue
		if err := json.Unmarshal([]byte(v), &ov); err != nil {
			appLog.Warn("skipping undecodable override", "uid", uid, "occurrence", id, "err", err)
			continue
		}
		out[id] = ov
	}
	return out, nil
}

func (s *Source) getTask(ctx context.Context, id string) (model.Task, error) {
	uid, err := s.rc.HGet(ctx, s.ownersKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return model.Task{}, source.ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	raw, err := s.rc.HGet(ctx, s.tasksKey(uid), id).Result()
	if errors.Is(err, redis.Nil) {
		return model.Task{}, source.ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	var t model.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return model.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// CreateTask stores t, replacing any task with the same preset id.
func (s *Source) CreateTask(ctx context.Context, t model.Task) (string, error) {
	t, err := source.PrepareNew(t, s.now())
	if err != nil {
		return "", err
	}
	prev, err := s.getTask(ctx, t.ID)
	switch {
	case err == nil:
		t.CreatedAt = prev.CreatedAt
	case !errors.Is(err, source.ErrNotFound):
		return "", err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	_, err = s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev.UID != "" && prev.UID != t.UID {
			pipe.HDel(ctx, s.tasksKey(prev.UID), t.ID)
			if err := s.publish(ctx, pipe, prev.UID, source.StreamTasks); err != nil {
				return err
			}
		}
		pipe.HSet(ctx, s.tasksKey(t.UID), t.ID, data)
		pipe.HSet(ctx, s.ownersKey(), t.ID, t.UID)
		return s.publish(ctx, pipe, t.UID, source.StreamTasks)
	})
	if err != nil {
		return "", fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return t.ID, nil
}

// UpdateTask applies patch under an optimistic lock on the task's hash.
func (s *Source) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error {
	uid, err := s.rc.HGet(ctx, s.ownersKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return source.ErrNotFound
	}
	if err != nil {
		return err
	}
	key := s.tasksKey(uid)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			return source.ErrNotFound
		}
		if err != nil {
			return err
		}
		var t model.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}
		t, err = source.ApplyPatch(t, patch, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			return s.publish(ctx, pipe, uid, source.StreamTasks)
		})
		return err
	}

	for range maxTxRetries {
		err = s.rc.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update task %s: %w", id, err)
}

func (s *Source) DeleteTask(ctx context.Context, id string) error {
	uid, err := s.rc.HGet(ctx, s.ownersKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return source.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.tasksKey(uid), id)
		pipe.HDel(ctx, s.ownersKey(), id)
		return s.publish(ctx, pipe, uid, source.StreamTasks)
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *Source) RecordOverride(ctx context.Context, uid, occurrenceID string, kind model.OverrideKind, value bool) error {
	data, err := json.Marshal(model.OverrideValue{Value: value, At: s.now()})
	if err != nil {
		return err
	}
	_, err = s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.overridesKey(uid, kind), occurrenceID, data)
		return s.publish(ctx, pipe, uid, source.OverrideStream(kind))
	})
	if err != nil {
		return fmt.Errorf("record %s override %s: %w", kind, occurrenceID, err)
	}
	return nil
}

// Close stops the change listener and closes the client if Open created it.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.owned {
			err = s.rc.Close()
		}
	})
	return err
}

var _ source.Source = (*Source)(nil)
