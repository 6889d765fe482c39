package infra

import "fmt"

// RedisNamespace: префикс для изоляции данных моста в общем Redis
const RedisNamespace = "bridge"

// Sets (состояние)
const RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"

// WarmupResourceBlocked: ресурс прогрева kill-switch, см. GetWarmupLockKey.
const WarmupResourceBlocked = "blocked"

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch: сигналы "agent_id:on|off" для всех инстансов моста.
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch-signal"
)

// GetWarmupLockKey: ключ блокировки прогрева для произвольного ресурса.
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
