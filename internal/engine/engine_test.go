package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/llm"
	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/retrieval"
	"github.com/sitebrain/sitebrain/internal/store"
)

func newTestEngine(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		log:     log.NewNop(),
		streams: make(map[string]*streamState),
	}
}

func TestBuildPromptIncludesContextAndHistory(t *testing.T) {
	e := newTestEngine(Config{})

	bot := &chatbotSettings{
		name:     "Docs Bot",
		messages: store.ChatbotMessages{SystemPrompt: "You answer questions about the docs."},
	}
	results := []retrieval.Result{
		{Chunk: store.Chunk{Content: "Widgets ship in boxes of ten."}},
		{Chunk: store.Chunk{Content: "Returns are accepted within 30 days."}},
	}
	history := []store.StoredMessage{
		{Role: store.RoleUser, Content: "Do you sell widgets?"},
		{Role: store.RoleAssistant, Content: "Yes, we do."},
	}

	msgs := e.buildPrompt(bot, results, history, "How are they packaged?")

	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You answer questions about the docs.")
	assert.Contains(t, msgs[0].Content, "Widgets ship in boxes of ten.")
	assert.Contains(t, msgs[0].Content, "Returns are accepted within 30 days.")

	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "Do you sell widgets?", msgs[1].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, llm.RoleUser, msgs[3].Role)
	assert.Equal(t, "How are they packaged?", msgs[3].Content)
}

func TestBuildPromptDefaultPersonaNamesBot(t *testing.T) {
	e := newTestEngine(Config{})
	bot := &chatbotSettings{name: "Support Bot"}

	msgs := e.buildPrompt(bot, nil, nil, "hello")

	assert.Contains(t, msgs[0].Content, "Support Bot")
}

func TestBuildPromptTrimsHistoryOldestFirst(t *testing.T) {
	// Budget fits system prompt, the question and roughly one history
	// message; only the newest turn should survive.
	e := newTestEngine(Config{MaxContextLength: 300})
	bot := &chatbotSettings{messages: store.ChatbotMessages{SystemPrompt: "Short persona."}}

	old := store.StoredMessage{Role: store.RoleUser, Content: strings.Repeat("old ", 50)}
	newest := store.StoredMessage{Role: store.RoleAssistant, Content: "Recent short answer."}

	msgs := e.buildPrompt(bot, nil, []store.StoredMessage{old, newest}, "next question")

	require.Len(t, msgs, 3)
	assert.Equal(t, "Recent short answer.", msgs[1].Content)
	assert.Equal(t, "next question", msgs[2].Content)
}

func TestBuildPromptDropsAllHistoryWhenBudgetTight(t *testing.T) {
	e := newTestEngine(Config{MaxContextLength: 40})
	bot := &chatbotSettings{messages: store.ChatbotMessages{SystemPrompt: "P."}}

	history := []store.StoredMessage{
		{Role: store.RoleUser, Content: strings.Repeat("x", 100)},
	}
	msgs := e.buildPrompt(bot, nil, history, "q")

	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "q", msgs[1].Content)
}

func TestIdentityForPrefersUserID(t *testing.T) {
	e := newTestEngine(Config{GuestIPSalt: "salt"})

	assert.Equal(t, "user:42", e.identityFor(ChatRequest{UserID: "42", ClientIP: "10.0.0.1"}))

	guest := e.identityFor(ChatRequest{ClientIP: "10.0.0.1"})
	assert.True(t, strings.HasPrefix(guest, "guest:"))
	assert.NotContains(t, guest, "10.0.0.1")
	// Same IP and salt hash the same; a different IP does not.
	assert.Equal(t, guest, e.identityFor(ChatRequest{ClientIP: "10.0.0.1"}))
	assert.NotEqual(t, guest, e.identityFor(ChatRequest{ClientIP: "10.0.0.2"}))
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "a:"+e.Type) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+e.Type) })

	bus.Publish(Event{Type: EventDocumentProcessed})

	assert.Equal(t, []string{"a:" + EventDocumentProcessed, "b:" + EventDocumentProcessed}, got)
}

func TestStreamLifecycle(t *testing.T) {
	e := newTestEngine(Config{})

	// An empty message fails fast without touching any collaborator, which
	// is enough to drive the handle through its full lifecycle.
	id := e.StartStream(ChatRequest{Message: "   "})

	var status *StreamStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = e.PollStream(id)
		require.NoError(t, err)
		return status.Done
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, status.Error, ErrEmptyMessage.Error())

	// Completion observed; the handle is retired.
	_, err := e.PollStream(id)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestPollStreamUnknownID(t *testing.T) {
	e := newTestEngine(Config{})
	_, err := e.PollStream("nope")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestCleanupStreamsReapsExpired(t *testing.T) {
	e := newTestEngine(Config{StreamTTL: time.Minute})

	e.streamMu.Lock()
	e.streams["old"] = &streamState{createdAt: time.Now().Add(-2 * time.Minute)}
	e.streams["fresh"] = &streamState{createdAt: time.Now()}
	e.streamMu.Unlock()

	assert.Equal(t, 1, e.CleanupStreams())

	_, err := e.PollStream("fresh")
	assert.NoError(t, err)
	_, err = e.PollStream("old")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 10, cfg.MaxHistoryMessages)
	assert.Equal(t, 12000, cfg.MaxContextLength)
	assert.Equal(t, 10, cfg.QueueBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.QueueInterval)
	assert.Equal(t, 15*time.Minute, cfg.StaleAge)
	assert.NotEmpty(t, cfg.FallbackMessage)
	assert.NotEmpty(t, cfg.RateLimitedMessage)
}
