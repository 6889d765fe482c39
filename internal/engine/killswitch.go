package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra"
)

// KillSwitch: аварийная блокировка агентов. Источник истины — Redis-множество,
// локальная мапа: кэш для горячего пути, который синхронизирует pub/sub.
type KillSwitch struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     redis.UniversalClient
	logger  *zap.Logger
}

func NewKillSwitch(rdb redis.UniversalClient, logger *zap.Logger) *KillSwitch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KillSwitch{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.Named("killswitch"),
	}
}

// Init загружает текущие блокировки из Redis целиком, заменяя кэш.
func (k *KillSwitch) Init(ctx context.Context) error {
	agents, err := k.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
	if err != nil {
		return fmt.Errorf("killswitch: load blocked set: %w", err)
	}
	k.replace(agents)
	return nil
}

// Warmup добавляет агентов из конфигурации и заливает их в пустой Redis.
func (k *KillSwitch) Warmup(ctx context.Context, agentIDs []string) error {
	return WarmupState(ctx, k.rdb, k.logger, agentIDs, infra.RedisKeyBlockedAgents,
		infra.GetWarmupLockKey(infra.WarmupResourceBlocked),
		func(ids []string) {
			for _, id := range ids {
				k.mark(id, true)
			}
		})
}

// Run слушает сигналы до отмены ctx.
func (k *KillSwitch) Run(ctx context.Context) {
	k.logger.Info("Kill-switch listener started")
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, time.Second, k.Init,
		func(id string, on bool) {
			k.logger.Warn("Получен сигнал kill-switch", zap.String("agent_id", id), zap.Bool("blocked", on))
			k.mark(id, on)
		})
	k.logger.Info("Kill-switch listener stopped")
}

// Block сохраняет блокировку и рассылает сигнал остальным инстансам.
func (k *KillSwitch) Block(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, true)
}

func (k *KillSwitch) Unblock(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, false)
}

func (k *KillSwitch) set(ctx context.Context, agentID string, on bool) error {
	pipe := k.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedAgents, agentID)
	}
	state := "off"
	if on {
		state = "on"
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, agentID+":"+state)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("killswitch: update %s: %w", agentID, err)
	}
	k.mark(agentID, on)
	return nil
}

func (k *KillSwitch) IsBlocked(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.blocked[agentID]
	return ok
}

func (k *KillSwitch) mark(agentID string, on bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if on {
		k.blocked[agentID] = struct{}{}
	} else {
		delete(k.blocked, agentID)
	}
}

func (k *KillSwitch) replace(agents []string) {
	next := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		next[id] = struct{}{}
	}
	k.mu.Lock()
	k.blocked = next
	k.mu.Unlock()
}
