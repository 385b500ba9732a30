package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/example/mailglot/config"
	"github.com/example/mailglot/llm"
	"github.com/example/mailglot/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessages(n int) []model.Message {
	msgs := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, model.Message{
			ID:       fmt.Sprintf("%d", i+1),
			Subject:  fmt.Sprintf("Subject %d", i+1),
			Sender:   "sender@example.com",
			Date:     time.Now(),
			BodyText: "original body",
		})
	}
	return msgs
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLM{
			Provider: config.ProviderClaude,
			APIKey:   "test-key",
		},
		Language: config.LanguageTarget{
			Target: config.LanguageGerman,
			Level:  config.LevelB1,
		},
		TargetEmail: config.TargetEmail{
			Address:  "target@example.com",
			SMTPUser: "sender@example.com",
		},
	}
}

// fakeClient answers completions, failing for ids listed in failFor.
type fakeClient struct {
	calls   int
	failFor map[string]bool
	lastMsg []llm.Message
}

func (f *fakeClient) Complete(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	f.calls++
	f.lastMsg = messages
	for _, msg := range messages {
		for id := range f.failFor {
			if strings.Contains(msg.Content, "Subject "+id) {
				return nil, errors.New("completion refused")
			}
		}
	}
	return &llm.Response{Content: "translated", Model: "fake-model"}, nil
}

// fakeDispatcher records deliveries.
type fakeDispatcher struct {
	connectErr  error
	sendErr     error
	connects    int
	disconnects int
	sent        []string
}

func (f *fakeDispatcher) Connect() error {
	f.connects++
	return f.connectErr
}

func (f *fakeDispatcher) Send(to, subject, bodyText, bodyHTML string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, subject)
	return nil
}

func (f *fakeDispatcher) Disconnect() { f.disconnects++ }

func newTestPipeline(client llm.Client, dispatcher Dispatcher) *TranslationPipeline {
	p := NewTranslationPipeline(testConfig(), discardLogger())
	p.newClient = func(config.LLM) (llm.Client, error) { return client, nil }
	p.newSender = func(config.TargetEmail) Dispatcher { return dispatcher }
	return p
}

func TestLogPipelineCountsWithoutSending(t *testing.T) {
	p := NewLogPipeline(discardLogger())

	for _, n := range []int{0, 1, 5} {
		result, err := p.Process(context.Background(), testMessages(n))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if result.Processed != n {
			t.Errorf("processed = %d, want %d", result.Processed, n)
		}
		if result.Sent != 0 {
			t.Errorf("sent = %d, want 0", result.Sent)
		}
		if len(result.Errors) != 0 {
			t.Errorf("errors = %v, want none", result.Errors)
		}
		if result.Sent > result.Processed {
			t.Error("sent must never exceed processed")
		}
	}
}

func TestTranslationPipelineEmptyInputSkipsExternals(t *testing.T) {
	factoryCalled := false
	p := NewTranslationPipeline(testConfig(), discardLogger())
	p.newClient = func(config.LLM) (llm.Client, error) {
		factoryCalled = true
		return nil, errors.New("must not be called")
	}

	result, err := p.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if factoryCalled {
		t.Error("client factory must not run for an empty batch")
	}
	if result.Processed != 0 || result.Sent != 0 || len(result.Errors) != 0 {
		t.Errorf("result = %+v, want zero value", result)
	}
}

func TestTranslationPipelineDeliversEachMessage(t *testing.T) {
	client := &fakeClient{}
	dispatcher := &fakeDispatcher{}
	p := newTestPipeline(client, dispatcher)

	result, err := p.Process(context.Background(), testMessages(3))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Processed != 3 || result.Sent != 3 {
		t.Errorf("result = %+v, want 3 processed and sent", result)
	}
	if client.calls != 3 {
		t.Errorf("completion calls = %d, want 3", client.calls)
	}
	if dispatcher.connects != 3 || dispatcher.disconnects != 3 {
		t.Errorf("relay sessions = %d/%d, want one per message", dispatcher.connects, dispatcher.disconnects)
	}
}

func TestTranslationPipelineIsolatesFailures(t *testing.T) {
	client := &fakeClient{failFor: map[string]bool{"2": true}}
	dispatcher := &fakeDispatcher{}
	p := newTestPipeline(client, dispatcher)

	result, err := p.Process(context.Background(), testMessages(3))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Processed != 3 {
		t.Errorf("processed = %d, want 3", result.Processed)
	}
	if result.Sent != 2 {
		t.Errorf("sent = %d, want 2", result.Sent)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "process message 2") {
		t.Errorf("error = %q, want message id tag", result.Errors[0])
	}
}

func TestTranslationPipelineSentOnlyOnDelivery(t *testing.T) {
	client := &fakeClient{}
	dispatcher := &fakeDispatcher{sendErr: errors.New("relay refused")}
	p := newTestPipeline(client, dispatcher)

	result, err := p.Process(context.Background(), testMessages(2))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Sent != 0 {
		t.Errorf("sent = %d, want 0 when delivery fails", result.Sent)
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %d, want 2", len(result.Errors))
	}
	if dispatcher.disconnects != dispatcher.connects {
		t.Error("every acquired relay session must be released")
	}
}

func TestTranslationPipelineClientFactoryError(t *testing.T) {
	p := NewTranslationPipeline(testConfig(), discardLogger())
	p.newClient = func(config.LLM) (llm.Client, error) {
		return nil, errors.New("unsupported llm provider")
	}

	_, err := p.Process(context.Background(), testMessages(1))
	if err == nil {
		t.Fatal("Process() expected error when the client factory fails")
	}
}

func TestConversationCarriesLanguageAndContent(t *testing.T) {
	msgs := conversation(config.LanguageTarget{
		Target: config.LanguageRussian,
		Level:  config.LevelA2,
	}, model.Message{ID: "1", Subject: "Weekly news", BodyText: "Hello there"})

	if len(msgs) != 2 {
		t.Fatalf("conversation length = %d, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("first role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "Russian") {
		t.Errorf("system prompt missing language: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "A2") {
		t.Errorf("system prompt missing level: %q", msgs[0].Content)
	}
	if msgs[1].Role != llm.RoleUser {
		t.Errorf("second role = %q, want user", msgs[1].Role)
	}
	if !strings.Contains(msgs[1].Content, "Weekly news") || !strings.Contains(msgs[1].Content, "Hello there") {
		t.Errorf("user message missing content: %q", msgs[1].Content)
	}
}
