package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState прогревает L1 (RAM) и L2 (Redis) из стартового списка.
// Заливать Redis может только один инстанс: его выбирает SetNX-блокировка.
// Непустой Redis не трогается, в нем могут быть более свежие решения операторов.
func WarmupState(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(ids)
	if len(ids) == 0 {
		return nil
	}

	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("warm-up is done by another instance", zap.String("key", redisKey))
		return nil
	}

	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
		count = 0
	}
	if count > 0 {
		return nil
	}

	logger.Info("Redis cache is empty, performing warm-up",
		zap.String("key", redisKey), zap.Int("count", len(ids)))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return rdb.SAdd(ctx, redisKey, members...).Err()
}
