package services

import (
	"context"
	"time"

	"keyrelay/config"
	"keyrelay/internal/redis"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
)

// MetricsService assembles the operator health summary from counts the
// repositories already expose. Nothing here reads key material or
// plaintext, only row counts and timestamps.
type MetricsService struct {
	cfg      *config.Config
	keys     repository.KeyRepository
	messages repository.MessageRepository
	devices  repository.DeviceRepository
	identity repository.IdentityRepository
	cache    *redis.MetricsCache
	logger   *logger.Logger
}

func NewMetricsService(
	cfg *config.Config,
	keys repository.KeyRepository,
	messages repository.MessageRepository,
	devices repository.DeviceRepository,
	identity repository.IdentityRepository,
	cache *redis.MetricsCache,
	l *logger.Logger,
) *MetricsService {
	return &MetricsService{
		cfg:      cfg,
		keys:     keys,
		messages: messages,
		devices:  devices,
		identity: identity,
		cache:    cache,
		logger:   l,
	}
}

type PrekeyPoolSummary struct {
	Devices  int64 `json:"devices"`
	OK       int64 `json:"ok"`
	Low      int64 `json:"low"`
	Critical int64 `json:"critical"`
}

type MessageVolumeSummary struct {
	Today    int64 `json:"today"`
	LastHour int64 `json:"last_hour"`
}

type BacklogSummary struct {
	Undelivered int64 `json:"undelivered"`
	Unread      int64 `json:"unread"`
}

type MetricsSummary struct {
	GeneratedAt        string               `json:"generated_at"`
	PrekeyPools        PrekeyPoolSummary    `json:"prekey_pools"`
	StaleSignedPrekeys int64                `json:"stale_signed_prekeys"`
	MessageVolume      MessageVolumeSummary `json:"message_volume"`
	Backlog            BacklogSummary       `json:"backlog"`
	AvgDeliveryMs      int64                `json:"avg_delivery_ms"`
	DevicesByStatus    map[string]int64     `json:"devices_by_status"`
	PublishTransportUp bool                 `json:"publish_transport_up"`
}

// GetSummary serves the cached snapshot when fresh, otherwise computes
// a new one. Operator only.
func (s *MetricsService) GetSummary(ctx context.Context, callerID uuid.UUID) (MetricsSummary, error) {
	user, err := s.identity.GetUser(ctx, callerID)
	if err != nil {
		return MetricsSummary{}, err
	}
	if !user.IsOperator {
		return MetricsSummary{}, keyrelay_errors.ErrForbidden
	}

	if s.cache != nil {
		var cached MetricsSummary
		hit, err := s.cache.Get(ctx, &cached)
		if err != nil {
			s.logger.Warnf("metrics cache read failed: %s", err)
		} else if hit {
			return cached, nil
		}
	}

	summary, err := s.compute(ctx)
	if err != nil {
		return MetricsSummary{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, summary); err != nil {
			s.logger.Warnf("metrics cache write failed: %s", err)
		}
	}
	return summary, nil
}

func (s *MetricsService) compute(ctx context.Context) (MetricsSummary, error) {
	now := time.Now()

	pools, err := s.keys.UnclaimedCountsByDevice(ctx)
	if err != nil {
		return MetricsSummary{}, err
	}
	var poolSummary PrekeyPoolSummary
	for _, remaining := range pools {
		poolSummary.Devices++
		switch {
		case remaining <= int64(s.cfg.OTPKCriticalWatermark):
			poolSummary.Critical++
		case remaining <= int64(s.cfg.OTPKLowWatermark):
			poolSummary.Low++
		default:
			poolSummary.OK++
		}
	}

	staleCutoff := now.Add(-time.Duration(s.cfg.SignedPrekeyMaxAge) * 24 * time.Hour)
	stale, err := s.keys.CountStaleBundles(ctx, staleCutoff)
	if err != nil {
		return MetricsSummary{}, err
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := s.messages.CountSince(ctx, startOfDay)
	if err != nil {
		return MetricsSummary{}, err
	}
	lastHour, err := s.messages.CountSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return MetricsSummary{}, err
	}

	undelivered, err := s.messages.CountUndelivered(ctx)
	if err != nil {
		return MetricsSummary{}, err
	}
	unread, err := s.messages.CountUnread(ctx)
	if err != nil {
		return MetricsSummary{}, err
	}

	latencies, err := s.messages.RecentDeliveryLatencies(ctx, 200)
	if err != nil {
		return MetricsSummary{}, err
	}
	var avgMs int64
	if len(latencies) > 0 {
		var total time.Duration
		for _, d := range latencies {
			total += d
		}
		avgMs = (total / time.Duration(len(latencies))).Milliseconds()
	}

	byStatus, err := s.devices.CountByStatus(ctx)
	if err != nil {
		return MetricsSummary{}, err
	}

	transportUp := false
	if s.cache != nil {
		transportUp = s.cache.Ping(ctx) == nil
	}

	return MetricsSummary{
		GeneratedAt:        now.Format(timeLayout),
		PrekeyPools:        poolSummary,
		StaleSignedPrekeys: stale,
		MessageVolume:      MessageVolumeSummary{Today: today, LastHour: lastHour},
		Backlog:            BacklogSummary{Undelivered: undelivered, Unread: unread},
		AvgDeliveryMs:      avgMs,
		DevicesByStatus:    byStatus,
		PublishTransportUp: transportUp,
	}, nil
}
