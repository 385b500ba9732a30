package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/mailglot/config"
	"github.com/example/mailglot/llm"
	"github.com/example/mailglot/model"
	"github.com/example/mailglot/smtp"
)

// Pipeline processes a batch of fetched messages and reports per-item
// accounting. One bad message never aborts the batch.
type Pipeline interface {
	Process(ctx context.Context, messages []model.Message) (model.ProcessingResult, error)
}

// Dispatcher is the outbound delivery capability the production pipeline
// needs. smtp.Sender satisfies it.
type Dispatcher interface {
	Connect() error
	Send(to, subject, bodyText, bodyHTML string) error
	Disconnect()
}

// LogPipeline records every message as processed without transforming or
// sending anything. Safe default when no production pipeline is wired in.
type LogPipeline struct {
	logger *slog.Logger
}

func NewLogPipeline(logger *slog.Logger) *LogPipeline {
	return &LogPipeline{logger: logger}
}

func (p *LogPipeline) Process(_ context.Context, messages []model.Message) (model.ProcessingResult, error) {
	p.logger.Info("log pipeline: would process messages", "count", len(messages))
	for _, msg := range messages {
		p.logger.Debug("log pipeline message", "subject", msg.Subject, "sender", msg.Sender)
	}
	return model.ProcessingResult{Processed: len(messages)}, nil
}

// TranslationPipeline rewrites each message into the configured target
// language via the LLM client and delivers the result to the destination
// mailbox. Relay sessions are scoped per message.
type TranslationPipeline struct {
	cfg    *config.Config
	logger *slog.Logger

	newClient func(config.LLM) (llm.Client, error)
	newSender func(config.TargetEmail) Dispatcher
}

func NewTranslationPipeline(cfg *config.Config, logger *slog.Logger) *TranslationPipeline {
	return &TranslationPipeline{
		cfg:       cfg,
		logger:    logger,
		newClient: llm.New,
		newSender: func(tc config.TargetEmail) Dispatcher {
			return smtp.NewSender(tc, logger)
		},
	}
}

func (p *TranslationPipeline) Process(ctx context.Context, messages []model.Message) (model.ProcessingResult, error) {
	if len(messages) == 0 {
		p.logger.Info("no messages to process")
		return model.ProcessingResult{}, nil
	}

	client, err := p.newClient(p.cfg.LLM)
	if err != nil {
		return model.ProcessingResult{}, fmt.Errorf("llm client: %w", err)
	}

	var result model.ProcessingResult
	for _, msg := range messages {
		result.Processed++
		p.logger.Info("processing message", "id", msg.ID, "subject", msg.Subject)

		if err := p.processOne(ctx, client, msg); err != nil {
			p.logger.Error("message processing failed", "id", msg.ID, "err", err)
			result.Errors = append(result.Errors, fmt.Sprintf("process message %s: %v", msg.ID, err))
			continue
		}
		result.Sent++
	}
	return result, nil
}

func (p *TranslationPipeline) processOne(ctx context.Context, client llm.Client, msg model.Message) error {
	response, err := client.Complete(ctx, conversation(p.cfg.Language, msg))
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}

	sender := p.newSender(p.cfg.TargetEmail)
	if err := sender.Connect(); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer sender.Disconnect()

	if err := sender.Send(p.cfg.TargetEmail.Address, msg.Subject, response.Content, ""); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

// conversation builds the completion request for one message from its
// content and the target language settings.
func conversation(lang config.LanguageTarget, msg model.Message) []llm.Message {
	system := fmt.Sprintf(
		"You are a language tutor. Rewrite the email below in %s, suitable for a learner at CEFR level %s. "+
			"Preserve the meaning, tone and structure of the original. Reply with the rewritten email only.",
		title(string(lang.Target)), strings.ToUpper(string(lang.Level)),
	)

	body := msg.BodyText
	if body == "" {
		body = msg.BodyHTML
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Subject: %s\n\n%s", msg.Subject, body)},
	}
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
