package services

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/inference"
	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store/sqlite"
)

// gatedGenerator emits first at once and the rest only after release is
// closed. It records the prompt it was given.
type gatedGenerator struct {
	first   string
	rest    string
	release chan struct{}

	mu     sync.Mutex
	prompt inference.Prompt
}

func newGated(first, rest string) *gatedGenerator {
	return &gatedGenerator{first: first, rest: rest, release: make(chan struct{})}
}

func (g *gatedGenerator) Name() string { return "gated" }

func (g *gatedGenerator) Generate(ctx context.Context, p inference.Prompt) (<-chan inference.Delta, error) {
	g.mu.Lock()
	g.prompt = p
	g.mu.Unlock()
	out := make(chan inference.Delta)
	go func() {
		defer close(out)
		select {
		case out <- inference.Delta{Text: g.first}:
		case <-ctx.Done():
			return
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return
		}
		if g.rest != "" {
			select {
			case out <- inference.Delta{Text: g.rest}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (g *gatedGenerator) lastPrompt() inference.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompt
}

type fixture struct {
	store  *sqlite.Store
	broker *broker.Broker
	chat   *ChatService
	convs  *ConversationService
}

func newFixture(t *testing.T, gen inference.Generator) *fixture {
	t.Helper()
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	b := broker.New(s.Messages(), zerolog.Nop(), 16)
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return &fixture{
		store:  s,
		broker: b,
		chat:   NewChatService(s, b, gen, "dev-test", zerolog.Nop()),
		convs:  NewConversationService(s, b, zerolog.Nop()),
	}
}

// collect reads sub to its terminal event.
func collect(t *testing.T, sub *broker.Subscription) (string, broker.Event) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "stream closed without terminal event")
			if ev.Kind == broker.EventDelta {
				sb.WriteString(ev.Text)
				continue
			}
			return sb.String(), ev
		case <-timeout:
			t.Fatal("timed out waiting for stream end")
		}
	}
}

func TestSend_StreamsAndPersists(t *testing.T) {
	f := newFixture(t, inference.Echo{})
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "New conversation", c.Title)

	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "hello there friend"})
	require.NoError(t, err)
	text, last := collect(t, sub)
	assert.Equal(t, "hello there friend", text)
	assert.Equal(t, broker.EventDone, last.Kind)

	msgs, err := f.convs.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "dev-test", msgs[0].DeviceID)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there friend", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, model.StatusComplete, msgs[1].Status)
	require.NotNil(t, msgs[1].Model)
	assert.Equal(t, "echo", *msgs[1].Model)
	assert.Zero(t, f.broker.Active())
}

func TestSend_ArchivedConversationIsNotFound(t *testing.T) {
	f := newFixture(t, inference.Echo{})
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "old", nil)
	require.NoError(t, err)
	archived := true
	_, err = f.convs.Update(ctx, c.ID, ConversationPatch{Archived: &archived})
	require.NoError(t, err)

	_, err = f.chat.Send(ctx, c.ID, SendRequest{Content: "anyone?"})
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.chat.Send(ctx, "missing", SendRequest{Content: "anyone?"})
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.chat.Send(ctx, c.ID, SendRequest{})
	require.ErrorIs(t, err, model.ErrValidation)

	msgs, err := f.convs.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSend_SecondSendConflicts(t *testing.T) {
	gen := newGated("Hi", " there")
	f := newFixture(t, gen)
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "busy", nil)
	require.NoError(t, err)

	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "one"})
	require.NoError(t, err)
	_, err = f.chat.Send(ctx, c.ID, SendRequest{Content: "two"})
	require.ErrorIs(t, err, model.ErrConflict)

	close(gen.release)
	text, last := collect(t, sub)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, broker.EventDone, last.Kind)

	msgs, err := f.convs.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "the rejected turn must leave no message behind")
}

func TestSend_DisconnectDoesNotCancel(t *testing.T) {
	gen := newGated("partial", " and the rest")
	f := newFixture(t, gen)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := f.convs.Create(ctx, "tab", nil)
	require.NoError(t, err)

	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "go"})
	require.NoError(t, err)
	ev := <-sub.C()
	require.Equal(t, "partial", ev.Text)

	// the client goes away
	sub.Close()
	cancel()

	joined, err := f.chat.Join(context.Background(), c.ID)
	require.NoError(t, err)
	close(gen.release)
	text, last := collect(t, joined)
	assert.Equal(t, "partial and the rest", text)
	assert.Equal(t, broker.EventDone, last.Kind)
}

func TestCancel_KeepsPartialContent(t *testing.T) {
	gen := newGated("half an ans", "wer")
	f := newFixture(t, gen)
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "stop", nil)
	require.NoError(t, err)

	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "go"})
	require.NoError(t, err)
	ev := <-sub.C()
	require.Equal(t, "half an ans", ev.Text)

	msg, err := f.chat.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, msg.Status)
	assert.Equal(t, "half an ans", msg.Content)

	_, last := collect(t, sub)
	assert.Equal(t, broker.EventError, last.Kind)
	assert.ErrorIs(t, last.Err, model.ErrCancelled)

	_, err = f.chat.Cancel(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.chat.Join(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteConversation_StopsGeneration(t *testing.T) {
	gen := newGated("x", "y")
	f := newFixture(t, gen)
	ctx := context.Background()
	c, err := f.convs.Create(ctx, "gone", nil)
	require.NoError(t, err)
	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "go"})
	require.NoError(t, err)
	<-sub.C()

	require.NoError(t, f.convs.Delete(ctx, c.ID))
	assert.False(t, f.broker.IsActive(c.ID))
	_, err = f.convs.Get(ctx, c.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSend_PromptCarriesPersonaAndHistory(t *testing.T) {
	gen := newGated("ok", "")
	f := newFixture(t, gen)
	ctx := context.Background()
	personas := NewPersonaService(f.store)
	memories := NewMemoryService(f.store)

	p, err := personas.Create(ctx, &model.Persona{Name: "Chef", SystemPrompt: "You are a chef."})
	require.NoError(t, err)
	_, err = memories.Create(ctx, &model.MemoryEntry{Fact: "allergic to peanuts", PersonaID: &p.ID})
	require.NoError(t, err)
	c, err := f.convs.Create(ctx, "dinner", nil)
	require.NoError(t, err)

	web := true
	sub, err := f.chat.Send(ctx, c.ID, SendRequest{Content: "what should I cook?", PersonaID: &p.ID, WebSearchEnabled: &web})
	require.NoError(t, err)
	close(gen.release)
	collect(t, sub)

	prompt := gen.lastPrompt()
	assert.Contains(t, prompt.System, "You are a chef.")
	assert.Contains(t, prompt.System, "allergic to peanuts")
	assert.True(t, prompt.WebSearch)
	require.Len(t, prompt.History, 1)
	assert.Equal(t, inference.Turn{Role: model.RoleUser, Content: "what should I cook?"}, prompt.History[0])

	got, err := f.convs.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PersonaID)
	assert.Equal(t, p.ID, *got.PersonaID)
	assert.True(t, got.WebSearchEnabled)

	missing := "nope"
	_, err = f.chat.Send(ctx, c.ID, SendRequest{Content: "again", PersonaID: &missing})
	require.ErrorIs(t, err, model.ErrValidation)
}
