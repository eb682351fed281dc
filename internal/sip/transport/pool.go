package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig configures a load-balanced set of Bridge Adapter media
// processes.
type PoolConfig struct {
	Addresses           []string
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int
	HealthyThreshold    int
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:      10 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

type poolMember struct {
	address      string
	transport    *GRPCTransport
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool load-balances across several Bridge Adapter media processes, with
// channel affinity so a channel's CloseChannel/ChannelEvents calls always
// land on the instance that opened it.
type Pool struct {
	mu              sync.RWMutex
	members         []*poolMember
	channelToAddr   map[string]string // asterisk_channel_id -> member address
	nextIndex       atomic.Uint64
	config          PoolConfig
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPool dials every configured address and starts background health checks.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no bridge adapter addresses provided")
	}

	p := &Pool{
		members:       make([]*poolMember, 0, len(cfg.Addresses)),
		channelToAddr: make(map[string]string),
		config:        cfg,
		stopCh:        make(chan struct{}),
	}

	grpcCfg := GRPCConfig{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
	}

	for _, addr := range cfg.Addresses {
		grpcCfg.Address = addr
		t, err := NewGRPCTransport(grpcCfg)
		if err != nil {
			slog.Warn("[Pool] Failed to connect to bridge adapter", "address", addr, "error", err)
			member := &poolMember{address: addr}
			member.healthy.Store(false)
			p.members = append(p.members, member)
			continue
		}

		member := &poolMember{address: addr, transport: t}
		member.healthy.Store(true)
		p.members = append(p.members, member)
		slog.Info("[Pool] Connected to bridge adapter", "address", addr)
	}

	healthyCount := 0
	for _, m := range p.members {
		if m.healthy.Load() {
			healthyCount++
		}
	}
	if healthyCount == 0 {
		return nil, fmt.Errorf("no healthy bridge adapters available")
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Pool] Bridge adapter pool initialized", "total", len(p.members), "healthy", healthyCount)
	return p, nil
}

func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

func (p *Pool) checkAllHealth() {
	for _, member := range p.members {
		healthy := p.checkMemberHealth(member)

		if healthy {
			member.failCount.Store(0)
			newSuccess := member.successCount.Add(1)
			if !member.healthy.Load() && int(newSuccess) >= p.config.HealthyThreshold {
				member.healthy.Store(true)
				slog.Info("[Pool] Bridge adapter marked healthy", "address", member.address)
			}
		} else {
			member.successCount.Store(0)
			newFail := member.failCount.Add(1)
			if member.healthy.Load() && int(newFail) >= p.config.UnhealthyThreshold {
				member.healthy.Store(false)
				slog.Warn("[Pool] Bridge adapter marked unhealthy", "address", member.address)
			}
		}
	}
}

func (p *Pool) checkMemberHealth(member *poolMember) bool {
	if member.transport == nil {
		grpcCfg := GRPCConfig{
			Address:           member.address,
			ConnectTimeout:    p.config.ConnectTimeout,
			KeepaliveInterval: p.config.KeepaliveInterval,
			KeepaliveTimeout:  p.config.KeepaliveTimeout,
		}
		t, err := NewGRPCTransport(grpcCfg)
		if err != nil {
			return false
		}
		member.transport = t
		slog.Info("[Pool] Reconnected to bridge adapter", "address", member.address)
	}

	return member.transport.Ready()
}

func (p *Pool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthyMembers := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy.Load() && m.transport != nil {
			healthyMembers = append(healthyMembers, m)
		}
	}
	if len(healthyMembers) == 0 {
		return nil, fmt.Errorf("no healthy bridge adapters available")
	}

	idx := p.nextIndex.Add(1) % uint64(len(healthyMembers))
	return healthyMembers[idx], nil
}

func (p *Pool) getMemberByAddress(addr string) *poolMember {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m.address == addr {
			return m
		}
	}
	return nil
}

func (p *Pool) getMemberForChannel(asteriskChannelID string) (*poolMember, bool) {
	p.mu.RLock()
	addr, ok := p.channelToAddr[asteriskChannelID]
	p.mu.RUnlock()

	if !ok {
		return nil, false
	}
	member := p.getMemberByAddress(addr)
	return member, member != nil
}

// OpenChannel implements Transport.OpenChannel with round-robin selection.
func (p *Pool) OpenChannel(ctx context.Context, info ChannelInfo) (*ChannelResult, error) {
	member, err := p.selectMember()
	if err != nil {
		return nil, err
	}

	result, err := member.transport.OpenChannel(ctx, info)
	if err != nil {
		member.failCount.Add(1)
		return nil, fmt.Errorf("OpenChannel on %s failed: %w", member.address, err)
	}

	p.mu.Lock()
	p.channelToAddr[result.AsteriskChannelID] = member.address
	p.mu.Unlock()

	slog.Debug("[Pool] Channel opened", "channel_id", result.AsteriskChannelID, "bridge_adapter", member.address)
	return result, nil
}

// CloseChannel implements Transport.CloseChannel using channel affinity.
func (p *Pool) CloseChannel(ctx context.Context, asteriskChannelID string, reason TerminateReason) error {
	member, ok := p.getMemberForChannel(asteriskChannelID)
	if !ok {
		// Already closed through this pool: nothing left to release.
		return nil
	}

	err := member.transport.CloseChannel(ctx, asteriskChannelID, reason)

	p.mu.Lock()
	delete(p.channelToAddr, asteriskChannelID)
	p.mu.Unlock()

	return err
}

// ChannelEvents implements Transport.ChannelEvents using channel affinity.
func (p *Pool) ChannelEvents(ctx context.Context, asteriskChannelID string) (<-chan ChannelEvent, error) {
	member, ok := p.getMemberForChannel(asteriskChannelID)
	if !ok {
		return nil, fmt.Errorf("no bridge adapter found for channel %s", asteriskChannelID)
	}
	return member.transport.ChannelEvents(ctx, asteriskChannelID)
}

// Ready implements Transport.Ready.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m.healthy.Load() {
			return true
		}
	}
	return false
}

// Close implements Transport.Close.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, m := range p.members {
		if m.transport != nil {
			if err := m.transport.Close(); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// Stats returns pool statistics for /healthz or admin reporting.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalMembers:    len(p.members),
		ActiveChannels:  len(p.channelToAddr),
		Members:         make([]MemberStats, 0, len(p.members)),
	}

	for _, m := range p.members {
		ms := MemberStats{Address: m.address, Healthy: m.healthy.Load()}
		if ms.Healthy {
			stats.HealthyMembers++
		}
		stats.Members = append(stats.Members, ms)
	}
	return stats
}

// PoolStats holds pool statistics.
type PoolStats struct {
	TotalMembers   int
	HealthyMembers int
	ActiveChannels int
	Members        []MemberStats
}

// MemberStats holds stats for a single pool member.
type MemberStats struct {
	Address string
	Healthy bool
}
