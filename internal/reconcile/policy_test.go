package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/moby/locker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/model"
)

func TestVersionPolicy(t *testing.T) {
	p := VersionPolicy{}
	a := Candidate{Version: 4, Origin: "dev-a", Data: json.RawMessage(`{"title":"a"}`)}
	b := Candidate{Version: 4, Origin: "dev-b", Data: json.RawMessage(`{"title":"b"}`)}

	assert.Equal(t, Remote, p.Resolve(Candidate{Version: 3}, Candidate{Version: 5}))
	assert.Equal(t, Local, p.Resolve(Candidate{Version: 6}, Candidate{Version: 5}))

	// both devices must agree on the surviving state
	require.Equal(t, Remote, p.Resolve(a, b))
	require.Equal(t, Local, p.Resolve(b, a))

	// same origin: the digest decides, symmetrically
	c := Candidate{Version: 4, Origin: "dev-a", Data: json.RawMessage(`{"title":"c"}`)}
	first := p.Resolve(a, c)
	second := p.Resolve(c, a)
	require.NotEqual(t, first, second)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, p.Resolve(a, c))
	}
}

func TestWallclockPolicy(t *testing.T) {
	p := WallclockPolicy{}
	older := Candidate{Version: 9, Origin: "dev-a", Data: json.RawMessage(`{"updatedAt":"2026-01-01T00:00:00Z"}`)}
	newer := Candidate{Version: 2, Origin: "dev-b", Data: json.RawMessage(`{"updatedAt":"2026-01-02T00:00:00Z"}`)}
	assert.Equal(t, Remote, p.Resolve(older, newer))
	assert.Equal(t, Local, p.Resolve(newer, older))

	// rows without updatedAt fall back to createdAt, then to versions
	x := Candidate{Version: 1, Data: json.RawMessage(`{"createdAt":"2026-01-01T00:00:00Z"}`)}
	y := Candidate{Version: 2, Data: json.RawMessage(`{"createdAt":"2026-01-01T00:00:00Z"}`)}
	assert.Equal(t, Remote, p.Resolve(x, y))
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy("")
	require.NoError(t, err)
	assert.Equal(t, "version", p.Name())
	p, err = NewPolicy("wallclock")
	require.NoError(t, err)
	assert.Equal(t, "wallclock", p.Name())
	_, err = NewPolicy("coinflip")
	require.Error(t, err)
}

func TestPayloadHelpers(t *testing.T) {
	out, err := withVersion(json.RawMessage(`{"id":"x","version":1}`), 7)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"x","version":7}`, string(out))

	assert.True(t, sameContent(json.RawMessage(`{"id":"x","version":1}`), json.RawMessage(`{"version":3,"id":"x"}`)))
	assert.False(t, sameContent(json.RawMessage(`{"id":"x"}`), json.RawMessage(`{"id":"y"}`)))

	_, err = withVersion(json.RawMessage(`not json`), 1)
	require.Error(t, err)
}

func TestLockEntity(t *testing.T) {
	r := &Reconciler{locks: locker.New()}
	unlockA := r.lockEntity(model.EntityPersona, "a")
	unlockB := r.lockEntity(model.EntityPersona, "b")

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := r.lockEntity(model.EntityPersona, "a")
		close(acquired)
		u()
		close(released)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	<-released
	unlockB()

	// released keys are dropped from the table
	require.ErrorIs(t, r.locks.Unlock(entityKey(model.EntityPersona, "a")), locker.ErrNoSuchLock)
	require.ErrorIs(t, r.locks.Unlock(entityKey(model.EntityPersona, "b")), locker.ErrNoSuchLock)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 8*time.Second, retryDelay(3))
	assert.Equal(t, 5*time.Minute, retryDelay(20))
}
