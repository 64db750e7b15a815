package pool

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdleTracker periodically publishes this replica's idle-connection count
// per target to Redis, so a fleet of Coordinator replicas behind the same
// Router tier can see each other's pool occupancy (useful for an external
// load balancer deciding where to send the next ApplyConn-heavy request).
// Grounded in the teacher's RedisStore distributed-lock convention
// (store/redis.go's SetNX/TTL key pattern), repurposed here as a plain
// best-effort gauge publish rather than a lock.
type IdleTracker struct {
	client   *redis.Client
	replica  string
	pool     *Pool
	interval time.Duration
	ttl      time.Duration
}

// NewIdleTracker builds an IdleTracker. replica should be a stable id for
// this process (e.g. the Coordinator's node id).
func NewIdleTracker(client *redis.Client, replica string, p *Pool, interval time.Duration) *IdleTracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &IdleTracker{client: client, replica: replica, pool: p, interval: interval, ttl: interval * 3}
}

// Start launches the periodic publish loop in its own goroutine and returns
// at once; the loop exits when ctx is cancelled.
func (t *IdleTracker) Start(ctx context.Context) {
	go t.loop(ctx)
}

func (t *IdleTracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publishOnce(ctx)
		}
	}
}

func (t *IdleTracker) publishOnce(ctx context.Context) {
	for target, count := range t.pool.idleCounts() {
		key := "mindie:pool:idle:" + t.replica + ":" + target
		t.client.Set(ctx, key, strconv.Itoa(count), t.ttl)
	}
}

// idleCounts snapshots the number of available connections per target.
func (p *Pool) idleCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.conns))
	for tgt, conns := range p.conns {
		n := 0
		for _, c := range conns {
			c.mu.Lock()
			if c.Available && !c.IsClosed {
				n++
			}
			c.mu.Unlock()
		}
		out[tgt] = n
	}
	return out
}
