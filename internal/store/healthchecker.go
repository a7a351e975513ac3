package store

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/health"
)

// NewStoreHealthChecker monitors the local store via its HealthPing.
func NewStoreHealthChecker(s Store, log zerolog.Logger, probeTimeout time.Duration) *health.PingChecker {
	return health.NewPingChecker("store", s, log, probeTimeout)
}
