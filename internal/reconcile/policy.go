package reconcile

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// Side names the winner of a conflict.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Candidate is one side of a conflict as the policy sees it.
type Candidate struct {
	Version int64
	// Origin is the device id that produced this state.
	Origin string
	Data   json.RawMessage
}

// Policy picks the winner between diverged local and remote states of one
// entity. Implementations must be deterministic: two devices resolving the
// same pair (with sides swapped) must keep the same state.
type Policy interface {
	Name() string
	Resolve(local, remote Candidate) Side
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "version":
		return VersionPolicy{}, nil
	case "wallclock":
		return WallclockPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}

// VersionPolicy is last-writer-wins by logical version. Equal versions fall
// back to the writer's device id and then to the payload digest.
type VersionPolicy struct{}

func (VersionPolicy) Name() string { return "version" }

func (VersionPolicy) Resolve(local, remote Candidate) Side {
	switch {
	case local.Version > remote.Version:
		return Local
	case local.Version < remote.Version:
		return Remote
	}
	return tieBreak(local, remote)
}

// WallclockPolicy prefers the most recent updatedAt (createdAt for immutable
// rows) carried in the payload and falls back to VersionPolicy.
type WallclockPolicy struct{}

func (WallclockPolicy) Name() string { return "wallclock" }

func (WallclockPolicy) Resolve(local, remote Candidate) Side {
	lt, rt := payloadTime(local.Data), payloadTime(remote.Data)
	switch {
	case lt.After(rt):
		return Local
	case rt.After(lt):
		return Remote
	}
	return VersionPolicy{}.Resolve(local, remote)
}

func tieBreak(local, remote Candidate) Side {
	switch {
	case local.Origin > remote.Origin:
		return Local
	case local.Origin < remote.Origin:
		return Remote
	}
	ld, rd := digest(local.Data), digest(remote.Data)
	if bytes.Compare(ld[:], rd[:]) > 0 {
		return Local
	}
	return Remote
}

func digest(data json.RawMessage) [sha256.Size]byte {
	return sha256.Sum256(data)
}

func payloadTime(data json.RawMessage) time.Time {
	var p struct {
		UpdatedAt time.Time `json:"updatedAt"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return time.Time{}
	}
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// sameContent reports whether two payloads describe the same state, ignoring
// the version field.
func sameContent(a, b json.RawMessage) bool {
	return bytes.Equal(normalize(a), normalize(b))
}

func normalize(data json.RawMessage) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return data
	}
	delete(m, "version")
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}

// withVersion rewrites the version field of an entity payload.
func withVersion(data json.RawMessage, v int64) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["version"] = json.RawMessage(fmt.Sprintf("%d", v))
	return json.Marshal(m)
}
