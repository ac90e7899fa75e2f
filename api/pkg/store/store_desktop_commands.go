package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/helixml/screenrelay/api/pkg/system"
	"github.com/helixml/screenrelay/api/pkg/types"
)

const expiredError = "expired"

// EnqueueCommand inserts a pending command. The idempotency key carries a
// unique index; when a duplicate arrives (same command replayed via a
// second delivery path) the existing row is returned instead of a new one.
func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd *types.DesktopCommand) (*types.DesktopCommand, error) {
	if cmd.ID == "" {
		cmd.ID = system.GenerateCommandID()
	}
	if cmd.Status == "" {
		cmd.Status = types.CommandStatusPending
	}
	cmd.CreatedAt = time.Now().UTC()

	err := writeRetry(ctx, func() error {
		return s.gdb.WithContext(ctx).Create(cmd).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.getCommandByIdempotencyKey(ctx, cmd.IdempotencyKey)
		}
		return nil, err
	}
	return cmd, nil
}

func (s *PostgresStore) getCommandByIdempotencyKey(ctx context.Context, key string) (*types.DesktopCommand, error) {
	var existing types.DesktopCommand
	err := s.gdb.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &existing, nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*types.DesktopCommand, error) {
	var cmd types.DesktopCommand
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

// FetchPendingCommands returns the oldest pending commands for a desktop
// client. Command IDs are ULIDs so ordering by ID matches insertion order.
func (s *PostgresStore) FetchPendingCommands(ctx context.Context, desktopClientID string, limit int) ([]*types.DesktopCommand, error) {
	var cmds []*types.DesktopCommand
	err := s.gdb.WithContext(ctx).
		Where("desktop_client_id = ? AND status = ?", desktopClientID, types.CommandStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&cmds).Error
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

// MarkCommandDone is the single legal transition out of pending. The
// status guard in the WHERE clause means a second delivery path racing on
// the same command updates zero rows, so terminal rows never change again.
func (s *PostgresStore) MarkCommandDone(ctx context.Context, id string, status types.CommandStatus, errMsg string) (bool, error) {
	if status == types.CommandStatusPending {
		return false, errors.New("cannot mark a command back to pending")
	}

	now := time.Now().UTC()
	res := s.gdb.WithContext(ctx).Model(&types.DesktopCommand{}).
		Where("id = ? AND status = ?", id, types.CommandStatusPending).
		Updates(map[string]interface{}{
			"status":        status,
			"processed_at":  now,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExpireCommands fails pending commands past their kind-specific TTL.
// Stream control commands wait longer than one-shot input.
func (s *PostgresStore) ExpireCommands(ctx context.Context, streamingTTL, actionTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	streamKinds := []types.CommandKind{types.CommandStartCapture, types.CommandStopCapture}

	var total int64

	res := s.gdb.WithContext(ctx).Model(&types.DesktopCommand{}).
		Where("status = ? AND command_type IN ? AND created_at < ?",
			types.CommandStatusPending, streamKinds, now.Add(-streamingTTL)).
		Updates(map[string]interface{}{
			"status":        types.CommandStatusFailed,
			"processed_at":  now,
			"error_message": expiredError,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected

	res = s.gdb.WithContext(ctx).Model(&types.DesktopCommand{}).
		Where("status = ? AND command_type NOT IN ? AND created_at < ?",
			types.CommandStatusPending, streamKinds, now.Add(-actionTTL)).
		Updates(map[string]interface{}{
			"status":        types.CommandStatusFailed,
			"processed_at":  now,
			"error_message": expiredError,
		})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected

	return total, nil
}

// PurgeCommands deletes terminal rows older than the retention window so
// the queue table does not grow without bound.
func (s *PostgresStore) PurgeCommands(ctx context.Context, retention time.Duration) (int64, error) {
	res := s.gdb.WithContext(ctx).
		Where("status != ? AND created_at < ?",
			types.CommandStatusPending, time.Now().UTC().Add(-retention)).
		Delete(&types.DesktopCommand{})
	return res.RowsAffected, res.Error
}
