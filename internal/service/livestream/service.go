package livestream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveconsult-backend/internal/domain"
	apperrors "liveconsult-backend/pkg/errors"
	"liveconsult-backend/pkg/logger"
	"liveconsult-backend/pkg/metrics"
	"liveconsult-backend/pkg/sanitize"
)

const maxTitleLength = 200

// Repository persists streams and gifts
type Repository interface {
	Create(ctx context.Context, st *domain.Stream) error
	GetByID(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error)
	End(ctx context.Context, st *domain.Stream) (bool, error)
	AddGift(ctx context.Context, g *domain.Gift) error
	Gifts(ctx context.Context, streamID uuid.UUID) ([]*domain.Gift, error)
}

// Charger debits the sender and credits the provider
type Charger interface {
	Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error)
}

// Publisher fans events out to users
type Publisher interface {
	Publish(ctx context.Context, ev *domain.Event, targets ...uuid.UUID)
}

// Service handles livestream lifecycle and gifting
type Service struct {
	repo      Repository
	ledger    Charger
	publisher Publisher
	giftBps   int64
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a livestream service. giftProviderBps is the provider's share of every gift.
func NewService(repo Repository, ledger Charger, publisher Publisher, giftProviderBps int64, m *metrics.Metrics) *Service {
	return &Service{
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		giftBps:   giftProviderBps,
		metrics:   m,
		now:       time.Now,
	}
}

// StartStream opens a live stream. The gift split in force now applies to the whole stream.
func (s *Service) StartStream(ctx context.Context, providerID uuid.UUID, title string) (*domain.Stream, error) {
	title = sanitize.Text(title)
	if title == "" {
		return nil, apperrors.MissingFieldError("title")
	}
	if !sanitize.ValidateStringLength(title, 1, maxTitleLength) {
		return nil, apperrors.ValidationError(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}

	st := &domain.Stream{
		StreamID:    uuid.New(),
		ProviderID:  providerID,
		Title:       title,
		Status:      domain.StreamLive,
		ProviderBps: s.giftBps,
		StartedAt:   s.now().UTC(),
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("Stream started",
		zap.String("stream_id", st.StreamID.String()),
		zap.String("provider_id", providerID.String()))
	s.publish(ctx, st, domain.EventStreamStarted, map[string]any{
		"title":        st.Title,
		"provider_bps": st.ProviderBps,
	}, providerID)

	return st, nil
}

// EndStream closes a stream. Only its provider may end it; ending twice is a no-op.
func (s *Service) EndStream(ctx context.Context, streamID, by uuid.UUID) (*domain.Stream, error) {
	st, err := s.repo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.ProviderID != by {
		return nil, apperrors.ForbiddenError("Only the provider can end the stream")
	}
	if st.Status == domain.StreamEnded {
		return st, nil
	}

	now := s.now().UTC()
	st.Status = domain.StreamEnded
	st.EndedAt = &now
	changed, err := s.repo.End(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to end stream: %w", err)
	}
	if !changed {
		return s.repo.GetByID(ctx, streamID)
	}

	logger.Info("Stream ended",
		zap.String("stream_id", streamID.String()),
		zap.Int64("gift_total", st.GiftTotal))
	s.publish(ctx, st, domain.EventStreamEnded, map[string]any{
		"gift_total":       st.GiftTotal,
		"duration_seconds": now.Sub(st.StartedAt).Seconds(),
	}, st.ProviderID)

	return st, nil
}

// SendGift charges the sender the full gross and credits the provider share.
// Gifts are never partial.
func (s *Service) SendGift(ctx context.Context, senderID, streamID uuid.UUID, gross int64) (*domain.Gift, error) {
	if gross <= 0 {
		return nil, apperrors.ValidationError("gift amount must be positive")
	}

	st, err := s.repo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st.Status != domain.StreamLive {
		return nil, apperrors.InvalidTransitionError(string(st.Status), "gift")
	}
	if st.ProviderID == senderID {
		return nil, apperrors.ValidationError("cannot gift your own stream")
	}

	res, err := s.ledger.Charge(ctx, domain.ChargeRequest{
		ClientID:    senderID,
		ProviderID:  st.ProviderID,
		Amount:      gross,
		ProviderBps: st.ProviderBps,
		Kind:        domain.EntryGift,
		StreamID:    &streamID,
	})
	if err != nil {
		return nil, err
	}

	gift := &domain.Gift{
		GiftID:        uuid.New(),
		SenderID:      senderID,
		ReceiverID:    st.ProviderID,
		StreamID:      streamID,
		Gross:         res.Charged,
		ProviderShare: res.ProviderShare,
		PlatformShare: res.PlatformShare,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.AddGift(ctx, gift); err != nil {
		// The ledger entry is authoritative; the gift row only feeds stream totals
		logger.Error("Failed to record gift",
			zap.String("stream_id", streamID.String()),
			zap.String("gift_id", gift.GiftID.String()),
			zap.Error(err))
	}

	s.metrics.RecordGift()
	s.metrics.RecordCharge(string(domain.EntryGift), res.Charged)
	logger.Info("Gift sent",
		zap.String("stream_id", streamID.String()),
		zap.String("user_id", senderID.String()),
		zap.Int64("amount", gross))

	s.publish(ctx, st, domain.EventGiftReceived, map[string]any{
		"gift_id":        gift.GiftID,
		"sender_id":      senderID,
		"gross":          gift.Gross,
		"provider_share": gift.ProviderShare,
		"platform_share": gift.PlatformShare,
	}, st.ProviderID)

	return gift, nil
}

// GetStream returns a stream
func (s *Service) GetStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	return s.repo.GetByID(ctx, streamID)
}

// ListGifts returns the gifts a stream received
func (s *Service) ListGifts(ctx context.Context, streamID uuid.UUID) ([]*domain.Gift, error) {
	if _, err := s.repo.GetByID(ctx, streamID); err != nil {
		return nil, err
	}
	return s.repo.Gifts(ctx, streamID)
}

func (s *Service) publish(ctx context.Context, st *domain.Stream, name string, data map[string]any, targets ...uuid.UUID) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, domain.NewEvent(name, data).ForStream(st.StreamID), targets...)
}
