package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fanscale/fanscale-backend/internal/cache"
	"github.com/fanscale/fanscale-backend/internal/logger"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/rules"
	"github.com/fanscale/fanscale-backend/internal/utils"
)

// SyncNotice is the coordinates-only broadcast: enough to trigger a reload
// on every peer, never the rule content itself. Receivers re-read from the
// persistence gateway, so a corrupted or replayed notice cannot poison a
// peer's rules.
type SyncNotice struct {
	RuleType      rules.RuleType `json:"rule_type,omitempty"`
	Version       int64          `json:"version,omitempty"`
	TargetVersion int64          `json:"target_version,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Initiator     string         `json:"initiator"`
	Reason        string         `json:"reason,omitempty"`
}

// SyncCoordinator keeps every engine instance in the fleet eventually
// consistent over the cache's pub/sub channel. One coordinator runs per
// process; its receive loop is a single background goroutine.
type SyncCoordinator struct {
	log    *logger.Logger
	cache  cache.Cache
	engine RulesEngine

	nodeID       string
	topicPrefix  string
	refreshEvery time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSyncCoordinator(c cache.Cache, engine RulesEngine, baseLog *logger.Logger) *SyncCoordinator {
	log := baseLog.With("service", "SyncCoordinator")
	return &SyncCoordinator{
		log:          log,
		cache:        c,
		engine:       engine,
		nodeID:       uuid.NewString(),
		topicPrefix:  utils.GetEnv("RULES_SYNC_TOPIC_PREFIX", "rules", log),
		refreshEvery: utils.GetEnvAsDuration("RULES_SYNC_REFRESH_EVERY", 10*time.Minute, log),
	}
}

func (s *SyncCoordinator) topicUpdate() string   { return s.topicPrefix + ":update" }
func (s *SyncCoordinator) topicRefresh() string  { return s.topicPrefix + ":refresh" }
func (s *SyncCoordinator) topicRollback() string { return s.topicPrefix + ":rollback" }

// NodeID identifies this coordinator in broadcasts, so instances can skip
// notices they originated.
func (s *SyncCoordinator) NodeID() string { return s.nodeID }

func (s *SyncCoordinator) IsRunning() bool { return s.running.Load() }

// Start subscribes to the sync topics and launches the receive loop plus
// the periodic full-refresh ticker that heals dropped broadcasts.
func (s *SyncCoordinator) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("sync coordinator already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	sub, err := s.cache.Subscribe(loopCtx, s.topicUpdate(), s.topicRefresh(), s.topicRollback())
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe sync topics: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.receiveLoop(loopCtx, sub)

	s.log.Info("Sync coordinator started", "node_id", s.nodeID, "refresh_every", s.refreshEvery)
	return nil
}

// Stop signals the receive loop, waits for it to unsubscribe and exit.
func (s *SyncCoordinator) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("Sync coordinator stopped", "node_id", s.nodeID)
}

func (s *SyncCoordinator) receiveLoop(ctx context.Context, sub cache.Subscription) {
	defer close(s.done)
	defer s.running.Store(false)
	defer func() { _ = sub.Close() }()

	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.RefreshAll(ctx); err != nil {
				s.log.Warn("Periodic full refresh incomplete", "error", err)
			}
		case msg, ok := <-sub.Messages():
			if !ok {
				// connection-level failure: a supervisor must restart us
				s.log.Error("Sync subscription closed, receive loop exiting", "node_id", s.nodeID)
				return
			}
			s.handleMessage(ctx, msg)
		}
	}
}

// handleMessage applies one notice. Handlers reload from the persistence
// gateway, so duplicate delivery is idempotent and a malformed notice is
// dropped without killing the loop.
func (s *SyncCoordinator) handleMessage(ctx context.Context, msg cache.Message) {
	var notice SyncNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		s.log.Warn("Dropping malformed sync notice", "topic", msg.Topic, "error", err)
		return
	}
	if notice.Initiator == s.nodeID {
		return
	}

	switch msg.Topic {
	case s.topicUpdate():
		if _, err := rules.ParseRuleType(string(notice.RuleType)); err != nil {
			s.log.Warn("Dropping sync notice with unknown rule type", "rule_type", notice.RuleType)
			return
		}
		if err := s.engine.ReloadRuleType(ctx, notice.RuleType); err != nil {
			s.log.Warn("Reload after update notice failed", "rule_type", notice.RuleType, "version", notice.Version, "error", err)
			return
		}
		s.log.Info("Reloaded after update notice", "rule_type", notice.RuleType, "version", notice.Version, "initiator", notice.Initiator)
	case s.topicRefresh():
		if err := s.engine.RefreshAll(ctx); err != nil {
			s.log.Warn("Full refresh after notice incomplete", "reason", notice.Reason, "error", err)
			return
		}
		s.log.Info("Refreshed all rule types", "reason", notice.Reason, "initiator", notice.Initiator)
	case s.topicRollback():
		if _, err := rules.ParseRuleType(string(notice.RuleType)); err != nil {
			s.log.Warn("Dropping rollback notice with unknown rule type", "rule_type", notice.RuleType)
			return
		}
		if _, err := s.engine.RollbackToVersion(ctx, notice.RuleType, notice.TargetVersion, "sync:"+notice.Initiator); err != nil {
			// this node may not hold the initiator's backup; converge on
			// the content the initiator already persisted
			s.log.Warn("Local rollback unavailable, reloading instead", "rule_type", notice.RuleType, "target_version", notice.TargetVersion, "error", err)
			if rerr := s.engine.ReloadRuleType(ctx, notice.RuleType); rerr != nil {
				s.log.Warn("Reload after rollback notice failed", "rule_type", notice.RuleType, "error", rerr)
			}
		}
	default:
		s.log.Debug("Ignoring message on unexpected topic", "topic", msg.Topic)
	}
}

func (s *SyncCoordinator) publish(ctx context.Context, topic string, notice SyncNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if err := s.cache.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrSyncPublish, err)
	}
	return nil
}

// BroadcastUpdate announces a successful mutation of one rule type.
func (s *SyncCoordinator) BroadcastUpdate(ctx context.Context, t rules.RuleType, version int64) error {
	return s.publish(ctx, s.topicUpdate(), SyncNotice{
		RuleType:  t,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Initiator: s.nodeID,
	})
}

// RequestRefresh asks every instance (this one included) for a full reload.
func (s *SyncCoordinator) RequestRefresh(ctx context.Context, reason string) error {
	if err := s.publish(ctx, s.topicRefresh(), SyncNotice{
		Timestamp: time.Now().UTC(),
		Initiator: s.nodeID,
		Reason:    reason,
	}); err != nil {
		return err
	}
	// peers skip self-originated notices, so refresh locally too
	return s.engine.RefreshAll(ctx)
}

// BroadcastRollback announces a rollback so peers converge on the restored
// content.
func (s *SyncCoordinator) BroadcastRollback(ctx context.Context, t rules.RuleType, targetVersion int64) error {
	return s.publish(ctx, s.topicRollback(), SyncNotice{
		RuleType:      t,
		TargetVersion: targetVersion,
		Timestamp:     time.Now().UTC(),
		Initiator:     s.nodeID,
	})
}

// SyncAwareRulesEngine decorates a RulesEngine with fleet notification:
// mutations delegate to the base engine and, on success, broadcast
// coordinates to peers. A failed broadcast never fails the admin request;
// stale peers heal on the next periodic refresh.
type SyncAwareRulesEngine struct {
	RulesEngine
	coordinator *SyncCoordinator
	log         *logger.Logger
}

func NewSyncAwareRulesEngine(base RulesEngine, coordinator *SyncCoordinator, baseLog *logger.Logger) *SyncAwareRulesEngine {
	return &SyncAwareRulesEngine{
		RulesEngine: base,
		coordinator: coordinator,
		log:         baseLog.With("service", "SyncAwareRulesEngine"),
	}
}

func (s *SyncAwareRulesEngine) UpdateRules(ctx context.Context, set rules.RuleSet, adminID string) (int64, error) {
	version, err := s.RulesEngine.UpdateRules(ctx, set, adminID)
	if err != nil {
		return version, err
	}
	if perr := s.coordinator.BroadcastUpdate(ctx, set.Type(), version); perr != nil {
		s.log.Warn("Update applied locally but broadcast failed; peers heal on next refresh", "rule_type", set.Type(), "version", version, "error", perr)
	}
	return version, nil
}

func (s *SyncAwareRulesEngine) RollbackToVersion(ctx context.Context, t rules.RuleType, targetVersion int64, adminID string) (int64, error) {
	version, err := s.RulesEngine.RollbackToVersion(ctx, t, targetVersion, adminID)
	if err != nil {
		return version, err
	}
	if perr := s.coordinator.BroadcastRollback(ctx, t, targetVersion); perr != nil {
		s.log.Warn("Rollback applied locally but broadcast failed; peers heal on next refresh", "rule_type", t, "target_version", targetVersion, "error", perr)
	}
	return version, nil
}
