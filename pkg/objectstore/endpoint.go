package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/medchain-labs/custodia/pkg/errdefs"
)

// endpoint is one object-store node (gateway, direct node, or load
// balancer) in the failover pool.
type endpoint struct {
	url       string
	healthy   bool
	lastProbe time.Time
	failures  int
}

// pool tracks endpoint health and hands out healthy nodes round-robin.
// The health map is mutated only under the exclusive lock, held briefly
// on probe completion or call failure.
type pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	next      int
}

func newPool(urls []string) (*pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one object store endpoint is required")
	}
	p := &pool{}
	for _, u := range urls {
		if _, err := url.Parse(u); err != nil {
			return nil, fmt.Errorf("invalid object store endpoint %q: %w", u, err)
		}
		p.endpoints = append(p.endpoints, &endpoint{url: u, healthy: true})
	}
	return p, nil
}

// pick returns the next healthy endpoint, skipping exclude (the node
// that just failed). With every node unhealthy it falls back to plain
// round-robin so a recovering cluster is still probed by real traffic.
func (p *pool) pick(exclude string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.next+i)%n]
		if ep.healthy && ep.url != exclude {
			p.next = (p.next + i + 1) % n
			return ep.url, nil
		}
	}
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.next+i)%n]
		if ep.url != exclude {
			p.next = (p.next + i + 1) % n
			return ep.url, nil
		}
	}
	if n == 1 {
		return p.endpoints[0].url, nil
	}
	return "", fmt.Errorf("no object store endpoint available: %w", errdefs.ErrDependencyUnavailable)
}

func (p *pool) markUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.url == url {
			ep.healthy = false
			ep.failures++
		}
	}
}

func (p *pool) setHealth(url string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.url == url {
			ep.healthy = healthy
			ep.lastProbe = time.Now()
			if healthy {
				ep.failures = 0
			}
		}
	}
}

func (p *pool) urls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = ep.url
	}
	return out
}

func (p *pool) healthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ep := range p.endpoints {
		if ep.healthy {
			n++
		}
	}
	return n
}

// probe re-admits recovered nodes by dialing each endpoint's TCP
// address. Runs on a timer owned by the client; skipped in light mode.
func (p *pool) probe(ctx context.Context, timeout time.Duration) {
	for _, u := range p.urls() {
		parsed, err := url.Parse(u)
		if err != nil {
			continue
		}
		addr := parsed.Host
		if parsed.Port() == "" {
			if parsed.Scheme == "https" {
				addr = net.JoinHostPort(parsed.Hostname(), "443")
			} else {
				addr = net.JoinHostPort(parsed.Hostname(), "80")
			}
		}

		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			p.setHealth(u, false)
			continue
		}
		conn.Close()
		p.setHealth(u, true)
	}
}
