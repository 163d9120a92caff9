package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/maxwatch/internal/internaltypes"
)

// RedisRepo keeps each task as a JSON string under prefix+"task:"+key, with a
// set of keys per user and one set of all keys.
type RedisRepo struct {
	client *redis.Client
	prefix string
}

func NewRedisRepo(client *redis.Client, prefix string) *RedisRepo {
	if prefix == "" {
		prefix = "maxwatch:"
	}
	return &RedisRepo{client: client, prefix: prefix}
}

func (r *RedisRepo) taskKey(key string) string { return r.prefix + "task:" + key }
func (r *RedisRepo) userKey(userID string) string { return r.prefix + "user:" + userID }
func (r *RedisRepo) allKey() string { return r.prefix + "tasks" }

// createScript stores the task and both index entries in one step, so a
// task is never visible without its index.
var createScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('SADD', KEYS[2], ARGV[2])
	redis.call('SADD', KEYS[3], ARGV[2])
	return 1
end
return 0
`)

func (r *RedisRepo) Create(ctx context.Context, t Task) (Task, bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return Task{}, false, fmt.Errorf("redis tasks: encode: %w", err)
	}
	keys := []string{r.taskKey(t.Key), r.userKey(t.UserID), r.allKey()}
	created, err := createScript.Run(ctx, r.client, keys, data, t.Key).Int()
	if err != nil {
		return Task{}, false, fmt.Errorf("redis tasks: create failed: %w", err)
	}
	if created == 0 {
		cur, err := r.Get(ctx, t.Key)
		return cur, false, err
	}
	return t, true, nil
}

func (r *RedisRepo) Get(ctx context.Context, key string) (Task, error) {
	data, err := r.client.Get(ctx, r.taskKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, internaltypes.ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("redis tasks: get failed: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("redis tasks: decode %s: %w", key, err)
	}
	return t, nil
}

func (r *RedisRepo) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	return r.listSet(ctx, r.userKey(userID), func(Task) bool { return true })
}

func (r *RedisRepo) ListAll(ctx context.Context) ([]Task, error) {
	return r.listSet(ctx, r.allKey(), func(Task) bool { return true })
}

func (r *RedisRepo) ListDue(ctx context.Context) ([]Task, error) {
	return r.listSet(ctx, r.allKey(), Task.Due)
}

func (r *RedisRepo) listSet(ctx context.Context, set string, keep func(Task) bool) ([]Task, error) {
	keys, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("redis tasks: list failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.taskKey(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis tasks: list failed: %w", err)
	}
	out := make([]Task, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry left behind by a concurrent delete
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("redis tasks: decode: %w", err)
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (r *RedisRepo) Update(ctx context.Context, t Task) error {
	cur, err := r.Get(ctx, t.Key)
	if err != nil {
		return err
	}
	cur.Status = t.Status
	cur.LastError = t.LastError
	cur.UpdatedAt = t.UpdatedAt
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("redis tasks: encode: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.taskKey(t.Key), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("redis tasks: update failed: %w", err)
	}
	if !ok {
		return internaltypes.ErrNotFound
	}
	return nil
}

func (r *RedisRepo) Delete(ctx context.Context, key string) error {
	t, err := r.Get(ctx, key)
	if errors.Is(err, internaltypes.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.taskKey(key))
	pipe.SRem(ctx, r.userKey(t.UserID), key)
	pipe.SRem(ctx, r.allKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis tasks: delete failed: %w", err)
	}
	return nil
}

func (r *RedisRepo) DeleteByUser(ctx context.Context, userID string) (int, error) {
	keys, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis tasks: delete failed: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	dels := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		dels[i] = pipe.Del(ctx, r.taskKey(k))
		pipe.SRem(ctx, r.allKey(), k)
	}
	pipe.Del(ctx, r.userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis tasks: delete failed: %w", err)
	}
	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n, nil
}
