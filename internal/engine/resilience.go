package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ParseSignal разбирает "agent_id:status". Статус on/true/1 — включено.
func ParseSignal(payload string) (id string, on bool, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch strings.ToLower(payload[i+1:]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return "", false, false
	}
	return payload[:i], on, true
}

// ListenStateResilient: "живучая" подписка на сигналы Redis. Переподписывается
// после обрыва и на каждом успешном коннекте зовет onReconnect для сверки состояния.
// Возвращается только по отмене ctx.
func ListenStateResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	backoff time.Duration,
	onReconnect func(ctx context.Context) error,
	onMessage func(id string, on bool),
) {
	if backoff <= 0 {
		backoff = time.Second
	}
	wait := func() bool {
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		pubsub := rdb.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !wait() {
				return
			}
			continue
		}

		if err := onReconnect(ctx); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				id, on, valid := ParseSignal(msg.Payload)
				if !valid {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, on)
			}
		}

		pubsub.Close()
		if !wait() {
			return
		}
	}
}
