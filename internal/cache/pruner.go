package cache

import (
	"log/slog"
	"sync"
	"time"
)

type PrunerConfig struct {
	Interval     time.Duration
	KeepMessages int
}

func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Interval:     10 * time.Minute,
		KeepMessages: 500,
	}
}

// Pruner periodically caps the cached timeline per room so the local
// file does not grow without bound.
type Pruner struct {
	cache  *Cache
	config PrunerConfig
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewPruner(cache *Cache, config PrunerConfig, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		cache:  cache,
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Pruner) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pruner) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.pruneAllRooms()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pruneAllRooms()
		}
	}
}

func (p *Pruner) pruneAllRooms() {
	rooms, err := p.cache.Rooms()
	if err != nil {
		p.logger.Warn("prune: listing rooms failed", "error", err)
		return
	}

	pruned := 0
	for _, roomID := range rooms {
		count, err := p.cache.MessageCount(roomID)
		if err != nil || count <= p.config.KeepMessages {
			continue
		}
		if err := p.cache.Prune(roomID, p.config.KeepMessages); err != nil {
			p.logger.Warn("prune failed", "room_id", roomID, "error", err)
			continue
		}
		pruned++
	}

	if pruned > 0 {
		p.logger.Info("pruned cached rooms", "rooms", pruned, "keep", p.config.KeepMessages)
	}
}
