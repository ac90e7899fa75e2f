package store

import (
	"context"
	"errors"
	"time"

	"github.com/helixml/screenrelay/api/pkg/types"
)

var ErrNotFound = errors.New("not found")

// Store is the shared, authoritative state of the relay cluster: the
// catalog of registered desktop clients and the durable command queue.
// Every relay instance talks to the same backing database.
type Store interface {
	// catalog
	RegisterDesktopClient(ctx context.Context, client *types.DesktopClient) error
	GetDesktopClient(ctx context.Context, id string) (*types.DesktopClient, error)
	ListDesktopClients(ctx context.Context) ([]*types.DesktopClient, error)
	HeartbeatDesktopClient(ctx context.Context, id string) error
	SetDesktopClientStreaming(ctx context.Context, id string, streaming bool) error
	UnregisterDesktopClient(ctx context.Context, id string) error
	// PruneDesktopClients deletes catalog rows untouched for longer than
	// the grace window and returns the IDs it removed. Deletes are
	// idempotent so any instance may run this concurrently.
	PruneDesktopClients(ctx context.Context, graceWindow time.Duration) ([]string, error)

	// command queue
	EnqueueCommand(ctx context.Context, cmd *types.DesktopCommand) (*types.DesktopCommand, error)
	GetCommand(ctx context.Context, id string) (*types.DesktopCommand, error)
	FetchPendingCommands(ctx context.Context, desktopClientID string, limit int) ([]*types.DesktopCommand, error)
	// MarkCommandDone moves a command from pending to a terminal status.
	// It reports false without error when the command was already
	// terminal, which is what makes duplicate deliveries harmless.
	MarkCommandDone(ctx context.Context, id string, status types.CommandStatus, errMsg string) (bool, error)
	// ExpireCommands fails pending commands older than their kind TTL.
	ExpireCommands(ctx context.Context, streamingTTL, actionTTL time.Duration) (int64, error)
	// PurgeCommands deletes terminal rows older than the retention window.
	PurgeCommands(ctx context.Context, retention time.Duration) (int64, error)

	Close() error
}
