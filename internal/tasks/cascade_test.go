package tasks_test

import (
	"context"
	"testing"

	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/tasks"
	"github.com/convohq/convo/internal/testutil"
	"github.com/convohq/convo/pkg/logger"
	"github.com/stretchr/testify/assert"
)

// TestCascadeRun verifies deleting a user strips their memberships, masks
// their messages and drops their derived cache state, while other users'
// data stays intact.
func TestCascadeRun(t *testing.T) {
	logger.Init(false)

	testDB := testutil.SetupTestDatabase(t)
	defer testDB.Teardown(t)
	testRedis := testutil.SetupTestRedis(t)
	defer testRedis.Teardown(t)

	cacheClient, err := cache.New(testRedis.URL)
	assert.NoError(t, err)
	ctx := context.Background()

	alice := testutil.CreateTestUser(t, testDB.DB, "alice", models.RoleUser)
	bob := testutil.CreateTestUser(t, testDB.DB, "bob", models.RoleUser)

	room := testutil.CreateTestRoom(t, testDB.DB, models.RoomTypeGroup, "team", alice, bob)
	doomed := testutil.CreateTestMessage(t, testDB.DB, room, bob, "from bob")
	kept := testutil.CreateTestMessage(t, testDB.DB, room, alice, "from alice")

	// Seed the derived cache state the cascade is expected to drop.
	assert.NoError(t, cacheClient.SAdd(ctx, cache.UserRoomsKey(bob.ID.String()), room.ID.String()))
	assert.NoError(t, cacheClient.Set(ctx, cache.PresenceKey(bob.ID.String()), "online", 0))
	assert.NoError(t, cacheClient.SAdd(ctx, cache.OnlineUsersKey, bob.ID.String()))

	roomRepo := repository.NewRoomRepository(testDB.DB)
	messageRepo := repository.NewMessageRepository(testDB.DB)
	processor := tasks.NewCascadeProcessor(roomRepo, messageRepo, cacheClient)

	assert.NoError(t, processor.Run(ctx, bob.ID))

	// Bob is out of the room; alice remains.
	reloaded, err := roomRepo.GetRoomByID(room.ID)
	assert.NoError(t, err)
	assert.False(t, reloaded.HasParticipant(bob.ID))
	assert.True(t, reloaded.HasParticipant(alice.ID))

	// Bob's message is masked, alice's untouched.
	var msg models.Message
	assert.NoError(t, testDB.DB.First(&msg, "id = ?", doomed.ID).Error)
	assert.True(t, msg.IsDeleted)
	msg = models.Message{}
	assert.NoError(t, testDB.DB.First(&msg, "id = ?", kept.ID).Error)
	assert.False(t, msg.IsDeleted)

	// Derived cache state is gone.
	exists, err := cacheClient.Exists(ctx, cache.PresenceKey(bob.ID.String()))
	assert.NoError(t, err)
	assert.False(t, exists)
	online, err := cacheClient.SMembers(ctx, cache.OnlineUsersKey)
	assert.NoError(t, err)
	assert.NotContains(t, online, bob.ID.String())
}
