package child

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seomcp/gateway/internal/launcher"
	"github.com/seomcp/gateway/internal/logger"
)

// Pool maintains at most one live Instance per tenant. Instances are
// created lazily; the child process itself does not spawn until the
// first EnsureReady.
type Pool struct {
	launcher launcher.Launcher
	opts     Options

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewPool creates an empty pool. All instances share the launcher and
// options; only the tenant id and config path vary.
func NewPool(l launcher.Launcher, opts Options) *Pool {
	return &Pool{
		launcher:  l,
		opts:      opts,
		instances: make(map[string]*Instance),
	}
}

// Acquire returns the tenant's instance, creating one if none exists
// or the previous one was permanently killed. Concurrent acquires for
// the same tenant observe the same instance.
func (p *Pool) Acquire(tenantID, configPath string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.instances[tenantID]; ok && !inst.Killed() {
		return inst
	}

	var inst *Instance
	inst = NewInstance(tenantID, configPath, p.launcher, p.opts, func() {
		p.Remove(tenantID, inst)
	})
	p.instances[tenantID] = inst
	return inst
}

// Remove drops the map entry for tenantID if it still points at inst.
// The compare guards against evicting a replacement created after inst
// died.
func (p *Pool) Remove(tenantID string, inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.instances[tenantID]; ok && cur == inst {
		delete(p.instances, tenantID)
	}
}

// Size returns the number of pooled instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// DrainAll kills every instance concurrently and clears the pool.
// Invoked only during graceful shutdown.
func (p *Pool) DrainAll(ctx context.Context) error {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	if len(instances) == 0 {
		return nil
	}
	logger.Slog().Info("draining instance pool", "count", len(instances))

	g, _ := errgroup.WithContext(ctx)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			inst.Kill()
			return nil
		})
	}
	return g.Wait()
}
