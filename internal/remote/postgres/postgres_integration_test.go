package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres mirror integration test in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "relay",
			"POSTGRES_PASSWORD": "relay",
			"POSTGRES_DB":       "relay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://relay:relay@%s:%s/relay?sslmode=disable", host, port.Port())
}

func TestPostgresMirror(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	m, err := New(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	require.NoError(t, m.HealthPing(ctx))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	feed, err := m.Subscribe(subCtx, model.EntityConversation)
	require.NoError(t, err)

	rec := remote.Record{Type: model.EntityConversation, ID: "c1", Version: 1, Origin: "dev-a", Data: json.RawMessage(`{"title":"a"}`)}
	first, err := m.Push(ctx, rec, 0)
	require.NoError(t, err)
	require.Positive(t, first.Seq)

	select {
	case c := <-feed:
		require.Equal(t, "c1", c.ID)
		require.Equal(t, first.Seq, c.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	// stale writer loses the compare-and-swap and sees the current row
	rec.Version = 2
	_, err = m.Push(ctx, rec, 0)
	ce, ok := remote.AsConflict(err)
	require.True(t, ok, "want conflict, got %v", err)
	require.Equal(t, int64(1), ce.Current.Version)
	require.JSONEq(t, `{"title":"a"}`, string(ce.Current.Data))

	second, err := m.Push(ctx, rec, 1)
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)

	del := remote.Record{Type: model.EntityPersona, ID: "p1", Version: 1, Deleted: true}
	_, err = m.Push(ctx, del, 0)
	require.NoError(t, err)

	recs, next, err := m.Pull(ctx, model.EntityConversation, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(2), recs[0].Version)
	require.Equal(t, remote.Cursor(second.Seq), next)

	recs, _, err = m.Pull(ctx, model.EntityPersona, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Deleted)
}
