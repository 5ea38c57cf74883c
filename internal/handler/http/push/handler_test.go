package push

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveconsult-backend/internal/database"
	redisrepo "liveconsult-backend/internal/repository/redis"
	"liveconsult-backend/pkg/push"
	"liveconsult-backend/pkg/response"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := push.NewService(&push.MockProvider{}, redisrepo.NewPushTokenRepository(database.NewRedisClient(client, nil)))
	h := NewHandler(svc)

	router := gin.New()
	v1 := router.Group("/v1", func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader("X-Test-User"))
		require.NoError(t, err)
		c.Set("user_id", id)
		c.Next()
	})
	v1.POST("/push/tokens", h.RegisterToken)
	v1.DELETE("/push/tokens", h.UnregisterToken)
	v1.GET("/push/tokens", h.GetTokens)
	return router
}

func do(t *testing.T, router *gin.Engine, as uuid.UUID, method string, body any) (int, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/v1/push/tokens", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", as.String())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func tokenCount(t *testing.T, router *gin.Engine, as uuid.UUID) float64 {
	t.Helper()
	status, resp := do(t, router, as, http.MethodGet, nil)
	require.Equal(t, http.StatusOK, status)
	return resp.Data.(map[string]any)["count"].(float64)
}

func TestTokenLifecycle(t *testing.T) {
	router := newRouter(t)
	user := uuid.New()

	status, resp := do(t, router, user, http.MethodPost, gin.H{"token": "device-token-1", "type": "fcm", "platform": "android"})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, resp.Data.(map[string]any)["token_id"])
	assert.Equal(t, float64(1), tokenCount(t, router, user))

	status, _ = do(t, router, user, http.MethodDelete, gin.H{"token": "device-token-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), tokenCount(t, router, user))
}

func TestRegisterToken_MovesDeviceBetweenUsers(t *testing.T) {
	router := newRouter(t)
	first, second := uuid.New(), uuid.New()

	status, _ := do(t, router, first, http.MethodPost, gin.H{"token": "shared-device", "type": "apns", "platform": "ios"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = do(t, router, second, http.MethodPost, gin.H{"token": "shared-device", "type": "apns", "platform": "ios"})
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, float64(0), tokenCount(t, router, first))
	assert.Equal(t, float64(1), tokenCount(t, router, second))

	// the previous owner cannot remove it any more
	status, _ = do(t, router, first, http.MethodDelete, gin.H{"token": "shared-device"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), tokenCount(t, router, second))
}

func TestRegisterToken_Validation(t *testing.T) {
	router := newRouter(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing token", gin.H{"type": "fcm"}},
		{"web push unsupported", gin.H{"token": "t", "type": "web"}},
		{"unknown platform", gin.H{"token": "t", "type": "fcm", "platform": "windows"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, router, uuid.New(), http.MethodPost, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, resp.Success)
		})
	}
}
