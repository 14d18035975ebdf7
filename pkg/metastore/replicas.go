package metastore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/metrics"
)

const replicaProbeInterval = 30 * time.Second

type replica struct {
	hostPort string
	db       *sql.DB
	healthy  bool
}

// replicaPool is the read side of the store. Reads round-robin over
// healthy replicas; with none healthy the caller falls back to the
// primary. A background probe re-admits recovered replicas.
type replicaPool struct {
	mu       sync.Mutex
	replicas []*replica
	next     int
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

func newReplicaPool(cfg config.DatabaseConfig, logger zerolog.Logger) *replicaPool {
	p := &replicaPool{
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, hostPort := range cfg.ReadReplicas {
		db, err := sql.Open("postgres", cfg.ReplicaDSN(hostPort))
		if err != nil {
			logger.Warn().Err(err).Str("replica", hostPort).Msg("failed to open replica; skipping")
			continue
		}
		db.SetMaxOpenConns(cfg.PoolSize)
		p.replicas = append(p.replicas, &replica{hostPort: hostPort, db: db, healthy: true})
	}

	if len(p.replicas) > 0 {
		go p.probeLoop()
	} else {
		close(p.done)
	}
	return p
}

// pick returns the next healthy replica, or nil when reads must fall
// back to the primary.
func (p *replicaPool) pick() *sql.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replicas) == 0 {
		return nil
	}
	n := len(p.replicas)
	for i := 0; i < n; i++ {
		r := p.replicas[(p.next+i)%n]
		if r.healthy {
			p.next = (p.next + i + 1) % n
			return r.db
		}
	}
	metrics.ReplicaFallbacks.Inc()
	return nil
}

// markUnhealthy removes a replica from rotation until the probe
// re-admits it.
func (p *replicaPool) markUnhealthy(db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.replicas {
		if r.db == db {
			r.healthy = false
			p.logger.Warn().Str("replica", r.hostPort).Msg("read replica marked unhealthy")
		}
	}
}

func (p *replicaPool) probeLoop() {
	defer close(p.done)
	ticker := time.NewTicker(replicaProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.stop:
			return
		}
	}
}

func (p *replicaPool) probe() {
	p.mu.Lock()
	replicas := append([]*replica{}, p.replicas...)
	p.mu.Unlock()

	for _, r := range replicas {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.db.PingContext(ctx)
		cancel()

		p.mu.Lock()
		wasHealthy := r.healthy
		r.healthy = err == nil
		p.mu.Unlock()

		if err == nil && !wasHealthy {
			p.logger.Info().Str("replica", r.hostPort).Msg("read replica recovered")
		}
	}
}

func (p *replicaPool) close() {
	select {
	case <-p.done:
	default:
		close(p.stop)
		<-p.done
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.replicas {
		r.db.Close()
	}
}
