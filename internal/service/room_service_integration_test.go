package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/convohq/convo/internal/apperr"
	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/service"
	"github.com/convohq/convo/internal/testutil"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// RoomServiceIntegrationTestSuite defines test suite
type RoomServiceIntegrationTestSuite struct {
	suite.Suite
	testDB      *testutil.TestDatabase
	testRedis   *testutil.TestRedis
	roomService *service.RoomService
	ctx         context.Context

	alice *models.User
	bob   *models.User
	carol *models.User
}

// SetupTest runs before each test: a fresh database keeps cases isolated.
func (s *RoomServiceIntegrationTestSuite) SetupTest() {
	logger.Init(false)

	s.testDB = testutil.SetupTestDatabase(s.T())
	s.testRedis = testutil.SetupTestRedis(s.T())
	s.ctx = context.Background()

	cacheClient, err := cache.New(s.testRedis.URL)
	assert.NoError(s.T(), err)

	roomRepo := repository.NewRoomRepository(s.testDB.DB)
	userRepo := repository.NewUserRepository(s.testDB.DB)
	messageRepo := repository.NewMessageRepository(s.testDB.DB)
	readTracker := service.NewReadTracker(messageRepo, cacheClient, 0)

	s.roomService = service.NewRoomService(roomRepo, userRepo, readTracker, cacheClient, nil)

	s.alice = testutil.CreateTestUser(s.T(), s.testDB.DB, "alice", models.RoleUser)
	s.bob = testutil.CreateTestUser(s.T(), s.testDB.DB, "bob", models.RoleUser)
	s.carol = testutil.CreateTestUser(s.T(), s.testDB.DB, "carol", models.RoleUser)
}

// TearDownTest runs after each test
func (s *RoomServiceIntegrationTestSuite) TearDownTest() {
	s.testDB.Teardown(s.T())
	s.testRedis.Teardown(s.T())
}

func (s *RoomServiceIntegrationTestSuite) createGroup(name string, members ...uuid.UUID) *models.RoomView {
	room, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeGroup,
		Name:           name,
		ParticipantIDs: members,
	})
	assert.NoError(s.T(), err)
	return room
}

// TestCreateGroupRoomCreatorIsAdmin verifies the creator ends up a
// participant with the admin flag, for every room type.
func (s *RoomServiceIntegrationTestSuite) TestCreateGroupRoomCreatorIsAdmin() {
	for _, roomType := range []models.RoomType{models.RoomTypeGroup, models.RoomTypeChannel} {
		room, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
			Type:           roomType,
			Name:           "space-" + string(roomType),
			ParticipantIDs: []uuid.UUID{s.bob.ID},
		})
		assert.NoError(s.T(), err)
		assert.True(s.T(), room.HasParticipant(s.alice.ID))
		assert.True(s.T(), room.IsAdmin(s.alice.ID))
		assert.True(s.T(), room.HasParticipant(s.bob.ID))
		assert.False(s.T(), room.IsAdmin(s.bob.ID))
	}
}

// TestCreateGroupRoomRequiresName verifies group rooms reject empty names.
func (s *RoomServiceIntegrationTestSuite) TestCreateGroupRoomRequiresName() {
	_, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type: models.RoomTypeGroup,
		Name: "   ",
	})
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)
}

// TestCreateRoomUnknownParticipant verifies participant validation.
func (s *RoomServiceIntegrationTestSuite) TestCreateRoomUnknownParticipant() {
	_, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeGroup,
		Name:           "ghosts",
		ParticipantIDs: []uuid.UUID{uuid.New()},
	})
	assert.ErrorIs(s.T(), err, apperr.ErrNotFound)
}

// TestCreateDirectRoomIsIdempotent verifies at most one active direct room
// per unordered user pair: the second create returns the first room.
func (s *RoomServiceIntegrationTestSuite) TestCreateDirectRoomIsIdempotent() {
	first, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.bob.ID},
	})
	assert.NoError(s.T(), err)

	// Same pair from the other side resolves to the same room.
	second, err := s.roomService.CreateRoom(s.ctx, s.bob.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.alice.ID},
	})
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), first.ID, second.ID)
}

// TestCreateDirectRoomConcurrentCreate races two creates for the same
// unordered pair. The unique direct key decides the winner; the loser
// adopts the winner's room instead of surfacing a duplicate error.
func (s *RoomServiceIntegrationTestSuite) TestCreateDirectRoomConcurrentCreate() {
	callers := [2]struct{ from, to uuid.UUID }{
		{s.alice.ID, s.bob.ID},
		{s.bob.ID, s.alice.ID},
	}

	var (
		wg    sync.WaitGroup
		rooms [2]*models.RoomView
		errs  [2]error
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = s.roomService.CreateRoom(s.ctx, callers[i].from, service.CreateRoomInput{
				Type:           models.RoomTypeDirect,
				ParticipantIDs: []uuid.UUID{callers[i].to},
			})
		}(i)
	}
	wg.Wait()

	for i := range errs {
		assert.NoError(s.T(), errs[i])
		assert.NotNil(s.T(), rooms[i])
	}
	if rooms[0] != nil && rooms[1] != nil {
		assert.Equal(s.T(), rooms[0].ID, rooms[1].ID)
	}

	// Exactly one active direct room for the pair.
	var count int64
	err := s.testDB.DB.Model(&models.Room{}).
		Where("type = ? AND is_active = ?", models.RoomTypeDirect, true).
		Count(&count).Error
	assert.NoError(s.T(), err)
	assert.EqualValues(s.T(), 1, count)
}

// TestCreateDirectRoomParticipantCount verifies direct rooms take exactly
// one other participant.
func (s *RoomServiceIntegrationTestSuite) TestCreateDirectRoomParticipantCount() {
	// Zero others (self only).
	_, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.alice.ID},
	})
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)

	// Two others.
	_, err = s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.bob.ID, s.carol.ID},
	})
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)
}

// TestDeleteDirectRoomAllowsRecreation verifies deactivating a direct room
// releases the pair key so a fresh room can be created later.
func (s *RoomServiceIntegrationTestSuite) TestDeleteDirectRoomAllowsRecreation() {
	first, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.bob.ID},
	})
	assert.NoError(s.T(), err)

	err = s.roomService.DeleteRoom(s.ctx, first.ID, s.alice.ID)
	assert.NoError(s.T(), err)

	// The deactivated room is gone from every read path.
	_, err = s.roomService.GetRoomByID(s.ctx, first.ID, s.alice.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrNotFound)

	second, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.bob.ID},
	})
	assert.NoError(s.T(), err)
	assert.NotEqual(s.T(), first.ID, second.ID)
}

// TestGetRoomRequiresMembership verifies non-participants cannot read rooms.
func (s *RoomServiceIntegrationTestSuite) TestGetRoomRequiresMembership() {
	room := s.createGroup("private", s.bob.ID)

	_, err := s.roomService.GetRoomByID(s.ctx, room.ID, s.carol.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)
}

// TestUpdateRoom verifies metadata updates are admin-gated and direct rooms
// reject updates outright.
func (s *RoomServiceIntegrationTestSuite) TestUpdateRoom() {
	room := s.createGroup("old-name", s.bob.ID)

	name := "new-name"
	updated, err := s.roomService.UpdateRoom(s.ctx, room.ID, s.alice.ID, service.UpdateRoomInput{Name: &name})
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), "new-name", updated.Name)

	// Non-admin participant.
	_, err = s.roomService.UpdateRoom(s.ctx, room.ID, s.bob.ID, service.UpdateRoomInput{Name: &name})
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	// Direct rooms have no mutable metadata.
	direct, err := s.roomService.CreateRoom(s.ctx, s.alice.ID, service.CreateRoomInput{
		Type:           models.RoomTypeDirect,
		ParticipantIDs: []uuid.UUID{s.bob.ID},
	})
	assert.NoError(s.T(), err)
	_, err = s.roomService.UpdateRoom(s.ctx, direct.ID, s.alice.ID, service.UpdateRoomInput{Name: &name})
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)
}

// TestAddParticipants verifies admin gating and idempotent adds.
func (s *RoomServiceIntegrationTestSuite) TestAddParticipants() {
	room := s.createGroup("team", s.bob.ID)

	// Non-admin cannot add.
	_, err := s.roomService.AddParticipants(s.ctx, room.ID, s.bob.ID, []uuid.UUID{s.carol.ID})
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	updated, err := s.roomService.AddParticipants(s.ctx, room.ID, s.alice.ID, []uuid.UUID{s.carol.ID})
	assert.NoError(s.T(), err)
	assert.True(s.T(), updated.HasParticipant(s.carol.ID))

	// Adding an existing participant changes nothing.
	updated, err = s.roomService.AddParticipants(s.ctx, room.ID, s.alice.ID, []uuid.UUID{s.carol.ID})
	assert.NoError(s.T(), err)
	assert.Len(s.T(), updated.Participants, 3)
}

// TestRemoveParticipant verifies self-leave, admin removal and creator
// protection.
func (s *RoomServiceIntegrationTestSuite) TestRemoveParticipant() {
	room := s.createGroup("team", s.bob.ID, s.carol.ID)

	// Non-admin cannot remove someone else.
	err := s.roomService.RemoveParticipant(s.ctx, room.ID, s.bob.ID, s.carol.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	// Self-leave is always allowed.
	err = s.roomService.RemoveParticipant(s.ctx, room.ID, s.carol.ID, s.carol.ID)
	assert.NoError(s.T(), err)

	// Admin removes another participant.
	err = s.roomService.RemoveParticipant(s.ctx, room.ID, s.alice.ID, s.bob.ID)
	assert.NoError(s.T(), err)

	// The creator can never be removed, not even by themselves.
	err = s.roomService.RemoveParticipant(s.ctx, room.ID, s.alice.ID, s.alice.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)
}

// TestAdminLifecycle verifies promotion/demotion rules, including the
// creator demotion ban.
func (s *RoomServiceIntegrationTestSuite) TestAdminLifecycle() {
	room := s.createGroup("team", s.bob.ID, s.carol.ID)

	// Non-admin cannot promote.
	err := s.roomService.MakeAdmin(s.ctx, room.ID, s.bob.ID, s.carol.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	err = s.roomService.MakeAdmin(s.ctx, room.ID, s.alice.ID, s.bob.ID)
	assert.NoError(s.T(), err)

	updated, err := s.roomService.GetRoomByID(s.ctx, room.ID, s.alice.ID)
	assert.NoError(s.T(), err)
	assert.True(s.T(), updated.IsAdmin(s.bob.ID))

	// A fresh admin can demote others but never the creator.
	err = s.roomService.RemoveAdmin(s.ctx, room.ID, s.bob.ID, s.alice.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	err = s.roomService.RemoveAdmin(s.ctx, room.ID, s.alice.ID, s.bob.ID)
	assert.NoError(s.T(), err)

	// Promoting a non-participant is a bad request.
	outsider := testutil.CreateTestUser(s.T(), s.testDB.DB, "dave", models.RoleUser)
	err = s.roomService.MakeAdmin(s.ctx, room.ID, s.alice.ID, outsider.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrBadRequest)
}

// TestDeleteRoomAuthorization verifies only the creator or an admin can
// deactivate a room.
func (s *RoomServiceIntegrationTestSuite) TestDeleteRoomAuthorization() {
	room := s.createGroup("doomed", s.bob.ID)

	err := s.roomService.DeleteRoom(s.ctx, room.ID, s.bob.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrForbidden)

	err = s.roomService.DeleteRoom(s.ctx, room.ID, s.alice.ID)
	assert.NoError(s.T(), err)

	// Deleting twice reads as not found.
	err = s.roomService.DeleteRoom(s.ctx, room.ID, s.alice.ID)
	assert.ErrorIs(s.T(), err, apperr.ErrNotFound)
}

// TestGetUserRoomsSearch verifies listing and name search only surface the
// caller's rooms.
func (s *RoomServiceIntegrationTestSuite) TestGetUserRoomsSearch() {
	s.createGroup("engineering", s.bob.ID)
	s.createGroup("design", s.bob.ID)

	// Carol is in neither room.
	page, err := s.roomService.GetUserRooms(s.ctx, s.carol.ID, 1, 20)
	assert.NoError(s.T(), err)
	assert.Len(s.T(), page.Data, 0)

	page, err = s.roomService.GetUserRooms(s.ctx, s.bob.ID, 1, 20)
	assert.NoError(s.T(), err)
	assert.Len(s.T(), page.Data, 2)

	page, err = s.roomService.SearchRooms(s.ctx, s.bob.ID, "ENGIN", 1, 20)
	assert.NoError(s.T(), err)
	assert.Len(s.T(), page.Data, 1)
	assert.Equal(s.T(), "engineering", page.Data[0].Name)
}

// TestSuite runs all tests in the suite
func TestRoomServiceIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(RoomServiceIntegrationTestSuite))
}
