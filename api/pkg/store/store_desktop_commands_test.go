package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/helixml/screenrelay/api/pkg/types"
)

func TestDesktopCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(DesktopCommandsTestSuite))
}

type DesktopCommandsTestSuite struct {
	suite.Suite
	ctx context.Context
	db  *PostgresStore
}

func (suite *DesktopCommandsTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.db = newTestStore(suite.T())
}

func (suite *DesktopCommandsTestSuite) enqueue(key string, kind types.CommandKind) *types.DesktopCommand {
	cmd, err := suite.db.EnqueueCommand(suite.ctx, &types.DesktopCommand{
		DesktopClientID: "desktop-1",
		CommandType:     kind,
		CommandData:     json.RawMessage(`{"type":"` + string(kind) + `"}`),
		IdempotencyKey:  key,
	})
	suite.Require().NoError(err)
	return cmd
}

func (suite *DesktopCommandsTestSuite) TestEnqueueGeneratesIDAndDefaults() {
	cmd := suite.enqueue("key-1", types.CommandMouseClick)
	suite.NotEmpty(cmd.ID)
	suite.Equal(types.CommandStatusPending, cmd.Status)
	suite.False(cmd.Terminal())
}

func (suite *DesktopCommandsTestSuite) TestEnqueueDuplicateKeyReturnsExisting() {
	first := suite.enqueue("key-1", types.CommandMouseClick)

	dup, err := suite.db.EnqueueCommand(suite.ctx, &types.DesktopCommand{
		DesktopClientID: "desktop-1",
		CommandType:     types.CommandMouseClick,
		IdempotencyKey:  "key-1",
	})
	suite.Require().NoError(err)
	suite.Equal(first.ID, dup.ID)

	cmds, err := suite.db.FetchPendingCommands(suite.ctx, "desktop-1", 10)
	suite.Require().NoError(err)
	suite.Len(cmds, 1)
}

func (suite *DesktopCommandsTestSuite) TestMarkDoneIsSingleTransition() {
	cmd := suite.enqueue("key-1", types.CommandTypeText)

	done, err := suite.db.MarkCommandDone(suite.ctx, cmd.ID, types.CommandStatusCompleted, "")
	suite.Require().NoError(err)
	suite.True(done)

	// the losing delivery path tries to fail the same command
	done, err = suite.db.MarkCommandDone(suite.ctx, cmd.ID, types.CommandStatusFailed, "producer_not_connected_on_target")
	suite.Require().NoError(err)
	suite.False(done)

	got, err := suite.db.GetCommand(suite.ctx, cmd.ID)
	suite.Require().NoError(err)
	suite.Equal(types.CommandStatusCompleted, got.Status)
	suite.Empty(got.ErrorMessage)
	suite.NotNil(got.ProcessedAt)
}

func (suite *DesktopCommandsTestSuite) TestMarkDoneRejectsPendingTarget() {
	cmd := suite.enqueue("key-1", types.CommandTypeText)
	_, err := suite.db.MarkCommandDone(suite.ctx, cmd.ID, types.CommandStatusPending, "")
	suite.Error(err)
}

func (suite *DesktopCommandsTestSuite) TestFetchPendingOldestFirst() {
	first := suite.enqueue("key-1", types.CommandMouseClick)
	second := suite.enqueue("key-2", types.CommandMouseMove)
	third := suite.enqueue("key-3", types.CommandScroll)

	// completed commands never come back from a poll
	done, err := suite.db.MarkCommandDone(suite.ctx, second.ID, types.CommandStatusCompleted, "")
	suite.Require().NoError(err)
	suite.True(done)

	cmds, err := suite.db.FetchPendingCommands(suite.ctx, "desktop-1", 10)
	suite.Require().NoError(err)
	suite.Require().Len(cmds, 2)
	suite.Equal(first.ID, cmds[0].ID)
	suite.Equal(third.ID, cmds[1].ID)

	cmds, err = suite.db.FetchPendingCommands(suite.ctx, "desktop-1", 1)
	suite.Require().NoError(err)
	suite.Require().Len(cmds, 1)
	suite.Equal(first.ID, cmds[0].ID)
}

func (suite *DesktopCommandsTestSuite) backdate(id string, age time.Duration) {
	err := suite.db.gdb.Model(&types.DesktopCommand{}).
		Where("id = ?", id).
		UpdateColumn("created_at", time.Now().UTC().Add(-age)).Error
	suite.Require().NoError(err)
}

func (suite *DesktopCommandsTestSuite) TestExpireRespectsKindTTL() {
	capture := suite.enqueue("key-1", types.CommandStartCapture)
	click := suite.enqueue("key-2", types.CommandMouseClick)
	freshClick := suite.enqueue("key-3", types.CommandMouseClick)

	// past the action TTL but inside the streaming TTL
	suite.backdate(capture.ID, 20*time.Second)
	suite.backdate(click.ID, 20*time.Second)

	n, err := suite.db.ExpireCommands(suite.ctx, 30*time.Second, 15*time.Second)
	suite.Require().NoError(err)
	suite.Equal(int64(1), n)

	got, err := suite.db.GetCommand(suite.ctx, click.ID)
	suite.Require().NoError(err)
	suite.Equal(types.CommandStatusFailed, got.Status)
	suite.Equal("expired", got.ErrorMessage)

	got, err = suite.db.GetCommand(suite.ctx, capture.ID)
	suite.Require().NoError(err)
	suite.Equal(types.CommandStatusPending, got.Status)

	got, err = suite.db.GetCommand(suite.ctx, freshClick.ID)
	suite.Require().NoError(err)
	suite.Equal(types.CommandStatusPending, got.Status)

	// now the capture command ages out too
	suite.backdate(capture.ID, 40*time.Second)
	n, err = suite.db.ExpireCommands(suite.ctx, 30*time.Second, 15*time.Second)
	suite.Require().NoError(err)
	suite.Equal(int64(1), n)
}

func (suite *DesktopCommandsTestSuite) TestPurgeKeepsPendingRows() {
	terminal := suite.enqueue("key-1", types.CommandMouseClick)
	pending := suite.enqueue("key-2", types.CommandMouseClick)

	done, err := suite.db.MarkCommandDone(suite.ctx, terminal.ID, types.CommandStatusCompleted, "")
	suite.Require().NoError(err)
	suite.True(done)

	suite.backdate(terminal.ID, 48*time.Hour)
	suite.backdate(pending.ID, 48*time.Hour)

	n, err := suite.db.PurgeCommands(suite.ctx, 24*time.Hour)
	suite.Require().NoError(err)
	suite.Equal(int64(1), n)

	_, err = suite.db.GetCommand(suite.ctx, terminal.ID)
	suite.ErrorIs(err, ErrNotFound)

	// a pending row older than retention is the janitor's expire problem,
	// never the purge's
	_, err = suite.db.GetCommand(suite.ctx, pending.ID)
	suite.NoError(err)
}
