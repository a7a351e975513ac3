package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/config"
	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/inference/openai"
	"github.com/yourownai/relay/internal/localstate"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/remote/memmirror"
	"github.com/yourownai/relay/internal/remote/postgres"
	"github.com/yourownai/relay/internal/remote/rest"
	"github.com/yourownai/relay/internal/store/sqlite"
)

// openStore resolves the data directory and device id, opens the SQLite
// store and fails any message a previous process left streaming.
func openStore(ctx context.Context, cfg *config.Config, bus *events.Bus, log zerolog.Logger) (*sqlite.Store, error) {
	path, err := localstate.DBPath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if cfg.DeviceID == "" {
		id, err := localstate.DeviceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("device id: %w", err)
		}
		cfg.DeviceID = id
	}

	s, err := sqlite.New(ctx, path, sqlite.WithNotifier(bus.LocalWriteNotifier()))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	n, err := s.Messages().FailStreaming(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recover streaming messages: %w", err)
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("marked interrupted generations as failed")
	}
	log.Info().Str("path", path).Str("device_id", cfg.DeviceID).Msg("local store ready")
	return s, nil
}

// newMirror builds the remote mirror for cfg.RemoteDriver. It returns nil
// when sync is off.
func newMirror(ctx context.Context, cfg *config.Config, log zerolog.Logger) (remote.Mirror, error) {
	switch cfg.RemoteDriver {
	case config.RemoteNone:
		return nil, nil
	case config.RemoteMemory:
		return memmirror.New(), nil
	case config.RemoteREST:
		return rest.New(cfg.RemoteURL, cfg.RemoteAPIKey, cfg.RemoteTimeout, log), nil
	case config.RemotePostgres:
		m, err := postgres.New(ctx, cfg.RemoteDSN, log)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", cfg.RemoteDriver)
	}
}

func newGenerator(cfg *config.Config) inference.Generator {
	if cfg.InferenceDriver == "openai" {
		return openai.New(cfg.InferenceURL, cfg.InferenceModel, cfg.InferenceAPIKey)
	}
	return inference.Echo{}
}
