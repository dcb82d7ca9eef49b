package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/handler"
	"github.com/convohq/convo/internal/middleware"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/service"
	"github.com/convohq/convo/internal/testutil"
	"github.com/convohq/convo/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const testJWTSecret = "test-secret-key"

// AuthHandlerIntegrationTestSuite defines test suite
type AuthHandlerIntegrationTestSuite struct {
	suite.Suite
	testDB    *testutil.TestDatabase
	testRedis *testutil.TestRedis
	router    *gin.Engine
}

// SetupTest runs before each test: a fresh database keeps cases isolated.
func (s *AuthHandlerIntegrationTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger.Init(false)

	s.testDB = testutil.SetupTestDatabase(s.T())
	s.testRedis = testutil.SetupTestRedis(s.T())

	cacheClient, err := cache.New(s.testRedis.URL)
	assert.NoError(s.T(), err)

	userRepo := repository.NewUserRepository(s.testDB.DB)
	presence := service.NewPresenceTracker(cacheClient, userRepo, 2*time.Minute)
	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: s.testRedis.Server.Addr()})
	authService := service.NewAuthService(userRepo, presence, taskClient, testJWTSecret, 1*time.Hour, "development")

	authHandler := handler.NewAuthHandler(authService)

	s.router = gin.New()
	s.router.POST("/api/auth/register", authHandler.Register)
	s.router.POST("/api/auth/login", authHandler.Login)

	protected := s.router.Group("/api")
	protected.Use(middleware.AuthMiddleware(testJWTSecret))
	protected.GET("/users", middleware.AdminMiddleware(), authHandler.ListUsers)
	protected.GET("/users/me", authHandler.GetProfile)
	protected.PUT("/users/me/status", authHandler.UpdateStatus)
}

// TearDownTest runs after each test
func (s *AuthHandlerIntegrationTestSuite) TearDownTest() {
	s.testDB.Teardown(s.T())
	s.testRedis.Teardown(s.T())
}

func (s *AuthHandlerIntegrationTestSuite) doJSON(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(s.T(), json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// register creates a user through the API and returns the auth token.
func (s *AuthHandlerIntegrationTestSuite) register(username, email string) string {
	w := s.doJSON(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    email,
		"password": "SecurePass123",
	})
	assert.Equal(s.T(), http.StatusCreated, w.Code)

	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == "token" {
			return cookie.Value
		}
	}
	s.T().Fatal("register response carried no token cookie")
	return ""
}

// TestListUsersAdminOnly verifies the admin user directory: closed to
// regular users, and soft-deleted accounts stay visible to admins.
func (s *AuthHandlerIntegrationTestSuite) TestListUsersAdminOnly() {
	memberToken := s.register("member", "member@example.com")

	w := s.doJSON(http.MethodGet, "/api/users", memberToken, nil)
	assert.Equal(s.T(), http.StatusForbidden, w.Code)

	s.register("boss", "boss@example.com")
	err := s.testDB.DB.Model(&models.User{}).
		Where("username = ?", "boss").
		Update("role", models.RoleAdmin).Error
	assert.NoError(s.T(), err)

	// Re-login so the token carries the admin role.
	w = s.doJSON(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "boss@example.com",
		"password": "SecurePass123",
	})
	assert.Equal(s.T(), http.StatusOK, w.Code)
	var adminToken string
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == "token" {
			adminToken = cookie.Value
		}
	}
	assert.NotEmpty(s.T(), adminToken)

	listUsernames := func() []string {
		w := s.doJSON(http.MethodGet, "/api/users", adminToken, nil)
		assert.Equal(s.T(), http.StatusOK, w.Code)

		var response struct {
			Users []models.User `json:"users"`
		}
		assert.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &response))
		names := make([]string, 0, len(response.Users))
		for _, u := range response.Users {
			names = append(names, u.Username)
		}
		return names
	}

	assert.ElementsMatch(s.T(), []string{"member", "boss"}, listUsernames())

	// Soft-deleted accounts remain visible in the directory.
	err = s.testDB.DB.Delete(&models.User{}, "username = ?", "member").Error
	assert.NoError(s.T(), err)
	assert.ElementsMatch(s.T(), []string{"member", "boss"}, listUsernames())
}

// TestRegisterSuccess tests successful user registration
func (s *AuthHandlerIntegrationTestSuite) TestRegisterSuccess() {
	w := s.doJSON(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newuser",
		"email":    "newuser@example.com",
		"password": "SecurePass123",
	})

	assert.Equal(s.T(), http.StatusCreated, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), "User registered successfully", response["message"])

	user := response["user"].(map[string]interface{})
	assert.Equal(s.T(), "newuser", user["username"])
	assert.Equal(s.T(), "newuser@example.com", user["email"])
	assert.Equal(s.T(), "user", user["role"])

	// Check cookie
	var tokenCookie *http.Cookie
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == "token" {
			tokenCookie = cookie
			break
		}
	}
	assert.NotNil(s.T(), tokenCookie)
	assert.True(s.T(), tokenCookie.HttpOnly)
	assert.Equal(s.T(), http.SameSiteLaxMode, tokenCookie.SameSite)
}

// TestRegisterDuplicateEmail tests registration with existing email
func (s *AuthHandlerIntegrationTestSuite) TestRegisterDuplicateEmail() {
	s.register("existing", "taken@example.com")

	w := s.doJSON(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "different",
		"email":    "taken@example.com",
		"password": "SecurePass123",
	})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

// TestLoginSuccess tests the register-then-login round trip
func (s *AuthHandlerIntegrationTestSuite) TestLoginSuccess() {
	s.register("loginuser", "login@example.com")

	w := s.doJSON(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "login@example.com",
		"password": "SecurePass123",
	})
	assert.Equal(s.T(), http.StatusOK, w.Code)

	var response map[string]interface{}
	assert.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(s.T(), "Login successful", response["message"])
}

// TestLoginWrongPassword tests login failure with wrong credentials
func (s *AuthHandlerIntegrationTestSuite) TestLoginWrongPassword() {
	s.register("loginuser", "login@example.com")

	w := s.doJSON(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "login@example.com",
		"password": "WrongPass123",
	})
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
}

// TestGetProfileRequiresAuth tests the profile endpoint with and without a token
func (s *AuthHandlerIntegrationTestSuite) TestGetProfileRequiresAuth() {
	w := s.doJSON(http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)

	token := s.register("profileuser", "profile@example.com")
	w = s.doJSON(http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)

	var response map[string]interface{}
	assert.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &response))
	user := response["user"].(map[string]interface{})
	assert.Equal(s.T(), "profileuser", user["username"])
}

// TestUpdateStatus tests presence status updates through the API
func (s *AuthHandlerIntegrationTestSuite) TestUpdateStatus() {
	token := s.register("statususer", "status@example.com")

	w := s.doJSON(http.MethodPut, "/api/users/me/status", token, map[string]string{"status": "busy"})
	assert.Equal(s.T(), http.StatusOK, w.Code)

	// The profile read overlays live presence.
	w = s.doJSON(http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	var response map[string]interface{}
	assert.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &response))
	user := response["user"].(map[string]interface{})
	assert.Equal(s.T(), string(models.StatusBusy), user["status"])

	// Unknown statuses are rejected.
	w = s.doJSON(http.MethodPut, "/api/users/me/status", token, map[string]string{"status": "invisible"})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

// TestSuite runs all tests in the suite
func TestAuthHandlerIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(AuthHandlerIntegrationTestSuite))
}
