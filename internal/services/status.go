package services

import (
	"context"

	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// DeviceInfo identifies this relay on the LAN.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	AppVersion string
	Port       int
}

// Status is the /status payload.
type Status struct {
	DeviceID          string       `json:"deviceId"`
	DeviceName        string       `json:"deviceName"`
	AppVersion        string       `json:"appVersion"`
	Port              int          `json:"port"`
	Counts            model.Counts `json:"counts"`
	ActiveGenerations int          `json:"activeGenerations"`
}

// SyncStatus backs the visible sync indicator.
type SyncStatus struct {
	Enabled   bool                  `json:"enabled"`
	Mirror    string                `json:"mirror,omitempty"`
	Pending   int                   `json:"pending"`
	Failed    int                   `json:"failed"`
	FailedOps []*model.PendingOp    `json:"failedOps"`
	Conflicts []*model.SyncConflict `json:"recentConflicts"`
}

// StatusService reports device and sync state.
type StatusService struct {
	store  store.Store
	broker *broker.Broker
	bus    *events.Bus
	info   DeviceInfo
	mirror string
}

// NewStatusService wires the status use cases. mirror is empty when sync is off.
func NewStatusService(s store.Store, b *broker.Broker, bus *events.Bus, info DeviceInfo, mirror string) *StatusService {
	return &StatusService{store: s, broker: b, bus: bus, info: info, mirror: mirror}
}

func (s *StatusService) Status(ctx context.Context) (*Status, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		DeviceID:          s.info.DeviceID,
		DeviceName:        s.info.DeviceName,
		AppVersion:        s.info.AppVersion,
		Port:              s.info.Port,
		Counts:            counts,
		ActiveGenerations: s.broker.Active(),
	}, nil
}

func (s *StatusService) Sync(ctx context.Context, limit int) (*SyncStatus, error) {
	st, err := s.store.Sync().Stats(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.store.Sync().FailedOps(ctx, limit)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.store.Sync().Conflicts(ctx, limit)
	if err != nil {
		return nil, err
	}
	if failed == nil {
		failed = []*model.PendingOp{}
	}
	if conflicts == nil {
		conflicts = []*model.SyncConflict{}
	}
	return &SyncStatus{
		Enabled:   s.mirror != "",
		Mirror:    s.mirror,
		Pending:   st.Pending,
		Failed:    st.Failed,
		FailedOps: failed,
		Conflicts: conflicts,
	}, nil
}

// RequestSync asks the reconciler for an immediate cycle. It reports false
// when sync is off or the request could not be queued.
func (s *StatusService) RequestSync() bool {
	if s.mirror == "" {
		return false
	}
	return s.bus.Publish(events.Event{Kind: events.EventSyncRequested})
}
