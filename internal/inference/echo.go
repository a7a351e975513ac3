package inference

import (
	"context"
	"strings"
	"time"

	"github.com/yourownai/relay/internal/model"
)

// Echo replies with the last user turn, one word at a time. It stands in for
// a model in development and tests.
type Echo struct {
	Delay time.Duration
}

func (Echo) Name() string { return "echo" }

func (e Echo) Generate(ctx context.Context, p Prompt) (<-chan Delta, error) {
	var last string
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].Role == model.RoleUser {
			last = p.History[i].Content
			break
		}
	}
	words := strings.SplitAfter(last, " ")

	out := make(chan Delta)
	go func() {
		defer close(out)
		for _, w := range words {
			if w == "" {
				continue
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Delta{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
