// Package classifier adapts the OpenAI chat API into the intent classifier
// used by the routing engine. The classifier is best-effort: timeouts and
// errors degrade to zero confidence instead of failing the turn.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// DefaultTimeout bounds each classify call. It must stay shorter than the
// conversation lock TTL so a stalled call cannot outlive the lock.
const DefaultTimeout = 3 * time.Second

// ErrNoChoicesReturned indicates the API responded without any completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Result is the classifier's verdict for one turn of inbound text.
type Result struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// RequestedStage maps the intent label onto a proceed target hint for the
// routing engine. Unknown intents hint nothing.
func (r Result) RequestedStage() models.Stage {
	switch r.Intent {
	case "greeting":
		return models.StageQualification
	case "qualification_answer":
		return models.StageInformation
	case "information_request":
		return models.StageScheduling
	case "schedule_request":
		return models.StageScheduling
	case "schedule_answer":
		return models.StageConfirmation
	case "confirmation":
		return models.StageCompleted
	default:
		return ""
	}
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService implements chatService with a real OpenAI client.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the classifier client.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the classifier client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client classifies inbound utterances into intent labels with confidences.
type Client struct {
	chat    chatService
	model   string
	timeout time.Duration
}

// NewClient initializes a classifier client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:    &openaiChatService{client: cli},
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

const systemPrompt = `Você é o classificador de intenções da recepcionista virtual de uma unidade Kumon.
Classifique a mensagem do responsável em exatamente uma das intenções:
greeting, qualification_answer, information_request, schedule_request, schedule_answer, confirmation, other.
Extraia entidades quando presentes: child_name, child_age, preferred_day, preferred_time.
Responda somente com JSON: {"intent": "...", "confidence": 0.0, "entities": {...}}`

// Classify returns the intent label, confidence, and extracted entities for
// the aggregated turn text. A degraded (zero-confidence) result and an error
// are returned on timeout or malformed output; callers treat that as
// pattern-only routing, never as a turn failure.
func (c *Client) Classify(ctx context.Context, text string, stage models.Stage, history []string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	userPrompt := buildUserPrompt(text, stage, history)
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Warn("Classifier.Classify: completion failed, degrading to zero confidence", "error", err, "stage", stage)
		return Result{}, fmt.Errorf("classify completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("Classifier.Classify: empty choices, degrading to zero confidence", "stage", stage)
		return Result{}, ErrNoChoicesReturned
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("Classifier.Classify: unparsable output, degrading to zero confidence", "error", err, "stage", stage)
		return Result{}, err
	}
	slog.Debug("Classifier.Classify", "intent", result.Intent, "confidence", result.Confidence, "entities", len(result.Entities))
	return result, nil
}

func buildUserPrompt(text string, stage models.Stage, history []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Etapa atual: %s\n", stage)
	if len(history) > 0 {
		b.WriteString("Histórico recente:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	fmt.Fprintf(&b, "Mensagem: %s", text)
	return b.String()
}

// parseResult decodes the model's JSON verdict, tolerating surrounding text
// such as markdown fences.
func parseResult(content string) (Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("no JSON object in classifier output")
	}

	var result Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return Result{}, fmt.Errorf("decode classifier output failed: %w", err)
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}
