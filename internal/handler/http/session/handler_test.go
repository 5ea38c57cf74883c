package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/response"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Create(ctx context.Context, in domain.SessionCreate) (*domain.Session, error) {
	args := m.Called(ctx, in)
	if s := args.Get(0); s != nil {
		return s.(*domain.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, sessionID uuid.UUID) (*domain.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID)
	if s := args.Get(0); s != nil {
		return s.(*domain.SessionSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) End(ctx context.Context, sessionID, by uuid.UUID) (*domain.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID, by)
	if s := args.Get(0); s != nil {
		return s.(*domain.SessionSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func setupRouter(svc Service, caller uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user_id", caller)
		c.Next()
	})
	router.POST("/v1/sessions", h.CreateSession)
	router.GET("/v1/sessions/:id", h.GetSession)
	router.POST("/v1/sessions/:id/end", h.EndSession)
	return router
}

func do(router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func newSession(client, provider uuid.UUID) *domain.Session {
	return &domain.Session{
		SessionID:   uuid.New(),
		ClientID:    client,
		ProviderID:  provider,
		ChannelType: domain.ChannelVideo,
		BillingMode: domain.BillingMetered,
		Rate:        200,
		State:       domain.StatePending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCreateSession(t *testing.T) {
	client, provider := uuid.New(), uuid.New()

	t.Run("caller becomes the client", func(t *testing.T) {
		svc := new(mockService)
		created := newSession(client, provider)
		svc.On("Create", mock.Anything, domain.SessionCreate{
			ProviderID:  provider,
			ClientID:    client,
			ChannelType: domain.ChannelVideo,
			BillingMode: domain.BillingMetered,
			Rate:        200,
		}).Return(created, nil)

		w, resp := do(setupRouter(svc, client), http.MethodPost, "/v1/sessions", gin.H{
			"provider_id":  provider.String(),
			"channel_type": "video",
			"billing_mode": "metered",
			"rate":         200,
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.True(t, resp.Success)
		assert.Contains(t, w.Body.String(), created.SessionID.String())
		svc.AssertExpectations(t)
	})

	t.Run("domain errors keep their status", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			status int
			code   string
		}{
			{"provider offline", apperrors.ErrProviderUnavailable, http.StatusConflict, "PROVIDER_UNAVAILABLE"},
			{"no funds", apperrors.InsufficientFundsError(10, 200), http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
			{"bad rate", apperrors.ErrInvalidRate, http.StatusBadRequest, "INVALID_RATE"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc := new(mockService)
				svc.On("Create", mock.Anything, mock.Anything).Return(nil, tt.err)

				w, resp := do(setupRouter(svc, client), http.MethodPost, "/v1/sessions", gin.H{
					"provider_id":  provider.String(),
					"channel_type": "audio",
					"billing_mode": "fixed",
					"rate":         200,
				})

				assert.Equal(t, tt.status, w.Code)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.code, resp.Error.Code)
			})
		}
	})

	t.Run("request validation", func(t *testing.T) {
		svc := new(mockService)
		tests := []gin.H{
			{"channel_type": "video", "billing_mode": "metered", "rate": 1},
			{"provider_id": "nope", "channel_type": "video", "billing_mode": "metered", "rate": 1},
			{"provider_id": provider.String(), "channel_type": "smoke", "billing_mode": "metered", "rate": 1},
			{"provider_id": provider.String(), "channel_type": "video", "billing_mode": "auction", "rate": 1},
		}
		for _, body := range tests {
			w, _ := do(setupRouter(svc, client), http.MethodPost, "/v1/sessions", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		}
		svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestGetSession(t *testing.T) {
	client, provider := uuid.New(), uuid.New()
	s := newSession(client, provider)
	snap := domain.NewSnapshot(s, time.Now())

	t.Run("participant", func(t *testing.T) {
		svc := new(mockService)
		svc.On("Get", mock.Anything, s.SessionID).Return(snap, nil)

		w, resp := do(setupRouter(svc, provider), http.MethodGet, "/v1/sessions/"+s.SessionID.String(), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, resp.Success)
	})

	t.Run("outsider", func(t *testing.T) {
		svc := new(mockService)
		svc.On("Get", mock.Anything, s.SessionID).Return(snap, nil)

		w, _ := do(setupRouter(svc, uuid.New()), http.MethodGet, "/v1/sessions/"+s.SessionID.String(), nil)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		svc := new(mockService)
		svc.On("Get", mock.Anything, mock.Anything).Return(nil, apperrors.ErrSessionNotFound)

		w, _ := do(setupRouter(svc, client), http.MethodGet, "/v1/sessions/"+uuid.New().String(), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w, _ := do(setupRouter(new(mockService), client), http.MethodGet, "/v1/sessions/123", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEndSession(t *testing.T) {
	client, provider := uuid.New(), uuid.New()
	s := newSession(client, provider)
	snap := domain.NewSnapshot(s, time.Now())

	ended := s.Clone()
	ended.State = domain.StateEnded
	ended.EndReason = domain.EndReasonUser
	ended.ChargedAmount = 180

	svc := new(mockService)
	svc.On("Get", mock.Anything, s.SessionID).Return(snap, nil)
	svc.On("End", mock.Anything, s.SessionID, client).Return(domain.NewSnapshot(ended, time.Now()), nil)

	w, resp := do(setupRouter(svc, client), http.MethodPost, "/v1/sessions/"+s.SessionID.String()+"/end", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "ended", data["state"])
	assert.Equal(t, float64(180), data["charged_amount"])
	svc.AssertExpectations(t)

	t.Run("outsider cannot end", func(t *testing.T) {
		w, _ := do(setupRouter(svc, uuid.New()), http.MethodPost, "/v1/sessions/"+s.SessionID.String()+"/end", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
