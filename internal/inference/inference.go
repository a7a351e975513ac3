// Package inference defines the boundary to the model that produces
// assistant text.
package inference

import (
	"context"

	"github.com/yourownai/relay/internal/model"
)

// Turn is one message of the prompt history.
type Turn struct {
	Role    model.Role
	Content string
}

// Prompt is everything a generator needs for one reply.
type Prompt struct {
	Model     string
	System    string
	History   []Turn
	WebSearch bool
	ImageRef  *string
	FileRef   *string
}

// Delta is one increment of generated text. A Delta with Err set is the last
// value on the channel.
type Delta struct {
	Text string
	Err  error
}

// Generator streams a reply. The channel is closed when generation ends;
// cancelling ctx asks the generator to stop early.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (<-chan Delta, error)
	// Name identifies the model recorded on assistant messages.
	Name() string
}
