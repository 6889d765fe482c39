package audit

/*
AgentFS — журнал действий агентов. Горячий путь (диспетчер команд, оркестратор)
только кладет событие в канал; запись в базу идет пачками в отдельном воркере:
по таймеру или по заполнению пачки. Stop закрывает вход и дописывает остаток.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Config struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

type AgentFS struct {
	cfg    Config
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu защищает закрытие канала от одновременного Log.
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo Storage, cfg Config, logger *zap.Logger) *AgentFS {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentFS{
		cfg:    cfg,
		ch:     make(chan Event, cfg.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет. Повторный вызов безопасен.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	close(fs.ch)
	fs.mu.Unlock()

	fs.logger.Info("stopping auditor: flushing buffer")
	fs.wg.Wait()
	fs.logger.Info("auditor stopped")
}

// Pending: сколько событий ждет записи. Идет в метрику заполненности буфера.
func (fs *AgentFS) Pending() int {
	return len(fs.ch)
}

func (fs *AgentFS) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopped", zap.String("id", event.ID))
		return
	}

	// Переполнение не должно тормозить диспетчер: событие уходит в лог.
	select {
	case fs.ch <- event:
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("request_id", event.RequestID),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]Event, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Свой контекст: при остановке родительский уже отменен.
		ctx, cancel := context.WithTimeout(context.Background(), fs.cfg.WriteTimeout)
		if err := fs.repo.WriteBatch(ctx, batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
