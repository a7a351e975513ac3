// Package health caches component probes for /api/health.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is a component-level checker (store, remote mirror).
type HealthChecker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// ServiceHealthChecker folds the required checkers into one service flag.
// Optional checkers are reported but never take the service down: the relay
// keeps serving from the local store while the remote is unreachable.
type ServiceHealthChecker struct {
	healthy  atomic.Bool
	required []HealthChecker
	optional []HealthChecker
	log      zerolog.Logger
}

func NewServiceHealthChecker(log zerolog.Logger, required ...HealthChecker) *ServiceHealthChecker {
	return &ServiceHealthChecker{required: required, log: log}
}

// WithOptional registers checkers that are reported but not required.
func (h *ServiceHealthChecker) WithOptional(deps ...HealthChecker) *ServiceHealthChecker {
	h.optional = append(h.optional, deps...)
	return h
}

func (h *ServiceHealthChecker) IsHealthy() bool { return h.healthy.Load() }

// Components returns the cached state of every registered checker by name.
func (h *ServiceHealthChecker) Components() map[string]bool {
	out := make(map[string]bool, len(h.required)+len(h.optional))
	for _, group := range [][]HealthChecker{h.required, h.optional} {
		for _, c := range group {
			out[c.Name()] = c.IsHealthy()
		}
	}
	return out
}

func (h *ServiceHealthChecker) evaluate() {
	up := true
	var failing []string
	for _, c := range h.required {
		if !c.IsHealthy() {
			up = false
			failing = append(failing, c.Name())
		}
	}
	if was := h.healthy.Swap(up); was == up {
		return
	}
	if up {
		h.log.Info().Msg("service health: UP")
	} else {
		h.log.Error().Strs("failing", failing).Msg("service health: DOWN")
	}
}

// Start re-evaluates the required checkers every interval until ctx ends.
func (h *ServiceHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evaluate()
		}
	}
}
