package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	instanceKeyPrefix = "chat:instance:"
	runningSetKey     = "chat:instances:running"

	fieldInstanceID = "instanceId"
	fieldHost       = "host"
	fieldPort       = "port"
	fieldStatus     = "status"
	fieldCreatedAt  = "createdAt"

	casRetries = 3
)

// Store persists instance records.
type Store interface {
	// Get returns the tenant's record, or a StatusNone record if none exists.
	Get(ctx context.Context, tenantID string) (*Record, error)
	// Save writes rec unconditionally.
	Save(ctx context.Context, rec *Record) error
	// Transition writes next only if the stored status still equals from.
	Transition(ctx context.Context, from Status, next *Record) (bool, error)
	// ListRunning returns every record whose status is running.
	ListRunning(ctx context.Context) ([]Record, error)
}

// RedisStore keeps each record in a hash with a set indexing running tenants.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func instanceKey(tenantID string) string {
	return instanceKeyPrefix + tenantID
}

func (s *RedisStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	return s.get(ctx, s.client, tenantID)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, tenantID string) (*Record, error) {
	fields, err := c.HGetAll(ctx, instanceKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", tenantID, err)
	}
	return decodeRecord(tenantID, fields), nil
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	pipe := s.client.TxPipeline()
	writeRecord(ctx, pipe, rec)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save instance %s: %w", rec.TenantID, err)
	}
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, from Status, next *Record) (bool, error) {
	key := instanceKey(next.TenantID)
	for attempt := 0; attempt < casRetries; attempt++ {
		applied := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, key, fieldStatus).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current == "" {
				current = string(StatusNone)
			}
			if Status(current) != from {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				writeRecord(ctx, pipe, next)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("transition instance %s: %w", next.TenantID, err)
		}
		return applied, nil
	}
	return false, nil
}

func (s *RedisStore) ListRunning(ctx context.Context) ([]Record, error) {
	tenants, err := s.client.SMembers(ctx, runningSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list running instances: %w", err)
	}
	out := make([]Record, 0, len(tenants))
	for _, tenant := range tenants {
		rec, err := s.Get(ctx, tenant)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusRunning {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func writeRecord(ctx context.Context, pipe redis.Pipeliner, rec *Record) {
	key := instanceKey(rec.TenantID)
	fields := map[string]any{
		fieldStatus: string(rec.Status),
		fieldPort:   rec.Port,
	}
	if !rec.CreatedAt.IsZero() {
		fields[fieldCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	var cleared []string
	if rec.InstanceID != "" {
		fields[fieldInstanceID] = rec.InstanceID
	} else {
		cleared = append(cleared, fieldInstanceID)
	}
	if rec.Host != "" {
		fields[fieldHost] = rec.Host
	} else {
		cleared = append(cleared, fieldHost)
	}
	pipe.HSet(ctx, key, fields)
	if len(cleared) > 0 {
		pipe.HDel(ctx, key, cleared...)
	}
	if rec.Status == StatusRunning {
		pipe.SAdd(ctx, runningSetKey, rec.TenantID)
	} else {
		pipe.SRem(ctx, runningSetKey, rec.TenantID)
	}
}

func decodeRecord(tenantID string, fields map[string]string) *Record {
	rec := &Record{TenantID: tenantID, Status: StatusNone, Port: DefaultPort}
	if len(fields) == 0 {
		return rec
	}
	if v := fields[fieldStatus]; v != "" {
		rec.Status = Status(v)
	}
	if v, err := strconv.Atoi(fields[fieldPort]); err == nil && v > 0 {
		rec.Port = v
	}
	rec.InstanceID = fields[fieldInstanceID]
	rec.Host = fields[fieldHost]
	if v, err := time.Parse(time.RFC3339, fields[fieldCreatedAt]); err == nil {
		rec.CreatedAt = v
	}
	return rec
}
