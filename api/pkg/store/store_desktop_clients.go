package store

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/helixml/screenrelay/api/pkg/types"
)

// writeRetry wraps catalog/queue writes with a short bounded retry so a
// blip on the database connection does not kill a handshake. Duplicate-key
// and not-found results are real answers, not transient faults.
func writeRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, gorm.ErrDuplicatedKey) &&
				!errors.Is(err, gorm.ErrRecordNotFound)
		}),
	)
}

// RegisterDesktopClient upserts the catalog row for a desktop client.
// A reconnect overwrites the previous row wholesale, including
// OwningInstanceID, so the last handshake always wins.
func (s *PostgresStore) RegisterDesktopClient(ctx context.Context, client *types.DesktopClient) error {
	now := time.Now().UTC()
	client.ConnectedAt = now
	client.UpdatedAt = now
	client.LastHeartbeat = now

	return writeRetry(ctx, func() error {
		return s.gdb.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).
			Create(client).Error
	})
}

func (s *PostgresStore) GetDesktopClient(ctx context.Context, id string) (*types.DesktopClient, error) {
	var client types.DesktopClient
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &client, nil
}

func (s *PostgresStore) ListDesktopClients(ctx context.Context) ([]*types.DesktopClient, error) {
	var clients []*types.DesktopClient
	err := s.gdb.WithContext(ctx).
		Order("connected_at ASC").
		Find(&clients).Error
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// HeartbeatDesktopClient refreshes the liveness columns. A heartbeat for
// an unknown client is a no-op, the janitor may have pruned the row while
// the message was in flight.
func (s *PostgresStore) HeartbeatDesktopClient(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return writeRetry(ctx, func() error {
		return s.gdb.WithContext(ctx).Model(&types.DesktopClient{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"last_heartbeat": now,
				"updated_at":     now,
			}).Error
	})
}

func (s *PostgresStore) SetDesktopClientStreaming(ctx context.Context, id string, streaming bool) error {
	return writeRetry(ctx, func() error {
		return s.gdb.WithContext(ctx).Model(&types.DesktopClient{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"is_streaming": streaming,
				"updated_at":   time.Now().UTC(),
			}).Error
	})
}

func (s *PostgresStore) UnregisterDesktopClient(ctx context.Context, id string) error {
	return writeRetry(ctx, func() error {
		return s.gdb.WithContext(ctx).
			Where("id = ?", id).
			Delete(&types.DesktopClient{}).Error
	})
}

// PruneDesktopClients removes rows whose updated_at is past the grace
// window. The select-then-delete is not atomic; a row registered between
// the two statements survives because the delete re-checks updated_at.
func (s *PostgresStore) PruneDesktopClients(ctx context.Context, graceWindow time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-graceWindow)

	var stale []types.DesktopClient
	err := s.gdb.WithContext(ctx).
		Select("id").
		Where("updated_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		ids = append(ids, c.ID)
	}

	err = s.gdb.WithContext(ctx).
		Where("id IN ? AND updated_at < ?", ids, cutoff).
		Delete(&types.DesktopClient{}).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
