// Package ledger records which gateway connections belong to which tenant
// and room. It is the only state the relay gateway keeps between frames.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connKeyPrefix   = "chat:conn:"
	tenantKeyPrefix = "chat:tenant:"

	// DefaultTTL bounds how long an abandoned row survives without a refresh.
	DefaultTTL = 2 * time.Hour
)

// ErrNotFound is returned when no row exists for a connection id.
var ErrNotFound = errors.New("connection not found")

// Row is one live gateway connection.
type Row struct {
	ConnID      string    `json:"connectionId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	TenantID    string    `json:"tenantId"`
	SubUnitID   string    `json:"subUnitId,omitempty"`
	RoomKey     string    `json:"roomKey"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Store is the ledger contract used by the bridge.
type Store interface {
	Put(ctx context.Context, row Row) error
	Get(ctx context.Context, connID string) (*Row, error)
	Delete(ctx context.Context, connID string) error
	ListByTenant(ctx context.Context, tenantID string) ([]Row, error)
	Scope(ctx context.Context, tenantID, subUnitID string) ([]Row, error)
}

// RedisStore keeps each row as JSON under chat:conn:<id> with a per-tenant
// set index.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A non-positive ttl selects DefaultTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func connKey(id string) string {
	return connKeyPrefix + id
}

func tenantKey(tenant string) string {
	return tenantKeyPrefix + tenant + ":conns"
}

// Put writes or replaces a row and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, row Row) error {
	row.ConnID = strings.TrimSpace(row.ConnID)
	if row.ConnID == "" || row.TenantID == "" {
		return fmt.Errorf("connection id and tenant required")
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, connKey(row.ConnID), data, s.ttl)
	pipe.SAdd(ctx, tenantKey(row.TenantID), row.ConnID)
	pipe.Expire(ctx, tenantKey(row.TenantID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put connection %s: %w", row.ConnID, err)
	}
	return nil
}

// Get returns the row for connID or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, connID string) (*Row, error) {
	data, err := s.client.Get(ctx, connKey(connID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", connID, err)
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode connection %s: %w", connID, err)
	}
	return &row, nil
}

// Delete removes the row and its index entry. Missing rows are ignored.
func (s *RedisStore) Delete(ctx context.Context, connID string) error {
	row, err := s.Get(ctx, connID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, connKey(connID))
	pipe.SRem(ctx, tenantKey(row.TenantID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete connection %s: %w", connID, err)
	}
	return nil
}

// ListByTenant returns every live row of a tenant. Index entries whose row
// has expired are pruned.
func (s *RedisStore) ListByTenant(ctx context.Context, tenantID string) ([]Row, error) {
	ids, err := s.client.SMembers(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenant %s: %w", tenantID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load tenant %s rows: %w", tenantID, err)
	}
	rows := make([]Row, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load connection %s: %w", ids[i], err)
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		rows = append(rows, row)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, tenantKey(tenantID), stale...).Err()
	}
	return rows, nil
}

// Scope returns the tenant's rows, narrowed to subUnitID when it is set.
func (s *RedisStore) Scope(ctx context.Context, tenantID, subUnitID string) ([]Row, error) {
	rows, err := s.ListByTenant(ctx, tenantID)
	if err != nil || subUnitID == "" {
		return rows, err
	}
	out := rows[:0]
	for _, row := range rows {
		if row.SubUnitID == subUnitID {
			out = append(out, row)
		}
	}
	return out, nil
}
