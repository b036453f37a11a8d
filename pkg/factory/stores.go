package factory

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
)

// MemoryStore keeps staged content in process. Content entries are mutable
// through Overwrite, which exists so operators (and tests) can model
// out-of-band replacement of handler code.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[routes.HandlerRef][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[routes.HandlerRef][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, ref routes.HandlerRef, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[ref] = append([]byte(nil), content...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, ref routes.HandlerRef) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.items[ref]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), content...), true, nil
}

// Overwrite replaces the content behind ref without changing the reference.
// The dispatch-time fingerprint gate exists precisely to catch this.
func (m *MemoryStore) Overwrite(ref routes.HandlerRef, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[ref] = append([]byte(nil), content...)
}

// RedisStore persists staged content in redis.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "handler:content:"}
}

func (r *RedisStore) key(ref routes.HandlerRef) string {
	return r.Prefix + hex.EncodeToString(ref[:])
}

func (r *RedisStore) Put(ctx context.Context, ref routes.HandlerRef, content []byte) error {
	return r.Client.Set(ctx, r.key(ref), content, 0).Err()
}

func (r *RedisStore) Get(ctx context.Context, ref routes.HandlerRef) ([]byte, bool, error) {
	raw, err := r.Client.Get(ctx, r.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

type contentDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists staged content durably.
type PostgresStore struct {
	DB contentDB
}

const Schema = `
CREATE TABLE IF NOT EXISTS handler_content (
	ref       TEXT PRIMARY KEY,
	content   BYTEA NOT NULL,
	staged_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (p *PostgresStore) Put(ctx context.Context, ref routes.HandlerRef, content []byte) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO handler_content (ref, content) VALUES ($1, $2)
		ON CONFLICT (ref) DO UPDATE SET content = EXCLUDED.content
	`, hex.EncodeToString(ref[:]), content)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, ref routes.HandlerRef) ([]byte, bool, error) {
	var content []byte
	row := p.DB.QueryRow(ctx, `SELECT content FROM handler_content WHERE ref=$1`, hex.EncodeToString(ref[:]))
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return content, true, nil
}
