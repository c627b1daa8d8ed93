package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Shard is one row of the shards table.
type Shard struct {
	ID                      int64
	State                   ShardState
	LockerTS                *time.Time
	Locker                  *uuid.UUID
	Name                    string
	MappedOnHostsWhenPacked []string
}

// randomShardName generates the 32-hex-character name that doubles as
// the RO-shard file name and, for block pools, the image name.
func randomShardName() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("catalog: generate shard name: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func scanShard(row interface {
	Scan(dest ...any) error
}) (*Shard, error) {
	var s Shard
	if err := row.Scan(&s.ID, &s.State, &s.LockerTS, &s.Locker, &s.Name, &s.MappedOnHostsWhenPacked); err != nil {
		return nil, err
	}
	return &s, nil
}

const shardColumns = "id, state, locker_ts, locker, name, mapped_on_hosts_when_packed"

// GetShard fetches a shard by id.
func (c *Catalog) GetShard(ctx context.Context, id int64) (*Shard, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+shardColumns+` FROM shards WHERE id = $1`, id)
	return scanShard(row)
}

// ListByState returns every shard currently in one of the given states.
// Used by the packer, pool manager, and cleaner to find candidates.
func (c *Catalog) ListByState(ctx context.Context, states ...ShardState) ([]Shard, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+shardColumns+` FROM shards WHERE state = ANY($1)`, states)
	if err != nil {
		return nil, fmt.Errorf("catalog: list shards by state: %w", err)
	}
	defer rows.Close()

	var out []Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
