package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthPinger is satisfied by the local store and every remote mirror.
// HealthPing returns nil when the component can serve.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}

const defaultProbeTimeout = 2 * time.Second

// PingChecker probes a HealthPinger on an interval and caches the verdict.
type PingChecker struct {
	name         string
	target       HealthPinger
	log          zerolog.Logger
	probeTimeout time.Duration

	healthy atomic.Bool
	mu      sync.Mutex
	lastErr error
}

// NewPingChecker returns a checker that reports unhealthy until its first
// successful probe.
func NewPingChecker(name string, target HealthPinger, log zerolog.Logger, probeTimeout time.Duration) *PingChecker {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &PingChecker{name: name, target: target, log: log, probeTimeout: probeTimeout}
}

func (pc *PingChecker) Name() string { return pc.name }

func (pc *PingChecker) IsHealthy() bool { return pc.healthy.Load() }

// LastError is the most recent probe failure, nil once a probe succeeds.
func (pc *PingChecker) LastError() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastErr
}

func (pc *PingChecker) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, pc.probeTimeout)
	defer cancel()
	err := pc.target.HealthPing(probeCtx)

	pc.mu.Lock()
	pc.lastErr = err
	pc.mu.Unlock()

	was := pc.healthy.Swap(err == nil)
	switch {
	case err != nil && was:
		pc.log.Warn().Str("checker", pc.name).Err(err).Msg("health probe failed")
	case err == nil && !was:
		pc.log.Info().Str("checker", pc.name).Msg("health probe ok")
	}
}

// Start probes immediately and then every interval until ctx ends.
func (pc *PingChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pc.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.probe(ctx)
		}
	}
}
