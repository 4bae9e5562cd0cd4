package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"warmline/internal/circuit"
	"warmline/internal/storage"
	logx "warmline/pkg/logx"
)

// ErrClassification means the classifier was unreachable or its answer
// could not be used.
var ErrClassification = errors.New("classification failed")

const (
	RoleLead = "LEAD"
	RoleYou  = "YOU"
)

// Turn is one message of the conversation window.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Request is the payload sent to the classifier.
type Request struct {
	Locale        string    `json:"locale"`
	Timezone      string    `json:"timezone"`
	ReferenceTime time.Time `json:"referenceTime"`
	Outreach      string    `json:"outreach"`
	Conversation  []Turn    `json:"conversation"`
}

// Classifier scores a conversation. Implementations return an error
// wrapping ErrClassification when no verdict is available.
type Classifier interface {
	Classify(ctx context.Context, req Request) (storage.Classification, error)
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
	Backoff time.Duration
}

// OpenAIClassifier talks to any OpenAI-compatible chat completion endpoint.
type OpenAIClassifier struct {
	client  *openai.Client
	cfg     OpenAIConfig
	breaker *circuit.Breaker
	log     logx.Logger
}

const breakerKey = "classifier"

func NewOpenAI(cfg OpenAIConfig, breaker *circuit.Breaker, log logx.Logger) *OpenAIClassifier {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if breaker == nil {
		breaker = circuit.New(circuit.Config{Trip: 5, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute})
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		breaker: breaker,
		log:     log.With(logx.String("comp", "classifier")),
	}
}

const systemPrompt = `You classify replies to a one-to-one outreach message about financing.
The user message is JSON with the outreach text and the conversation turns in order.
Turns with role LEAD are the recipient, turns with role YOU are us.
Judge the LEAD's latest intent. Suggest a short, polite reply in the lead's language, or an empty string when none is appropriate.
Use action SCHEDULE_FOLLOW_UP only when the lead asks to be contacted later, and put the ISO 8601 time in followUpAt (empty otherwise).
Use DO_NOT_CONTACT when the lead asks to stop or the number is wrong.`

var verdictSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"interested":     {Type: jsonschema.Boolean},
		"intent":         {Type: jsonschema.String, Enum: intents},
		"reason":         {Type: jsonschema.String},
		"confidence":     {Type: jsonschema.Number},
		"suggestedReply": {Type: jsonschema.String},
		"action":         {Type: jsonschema.String, Enum: actions},
		"followUpAt":     {Type: jsonschema.String},
		"department":     {Type: jsonschema.String, Enum: []string{DeptMortgage, DeptAuto, DeptUnsecured, DeptGeneral}},
	},
	Required:             []string{"interested", "intent", "reason", "confidence", "suggestedReply", "action", "followUpAt", "department"},
	AdditionalProperties: false,
}

func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) (storage.Classification, error) {
	if ok, until := c.breaker.Allow(breakerKey); !ok {
		return storage.Classification{}, fmt.Errorf("%w: circuit open until %s", ErrClassification, until.Format(time.RFC3339))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return storage.Classification{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}

	var last error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff << (attempt - 1)
			c.log.Debug("classifier retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(last))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return storage.Classification{}, fmt.Errorf("%w: %w", ErrClassification, ctx.Err())
			case <-t.C:
			}
		}
		v, err := c.once(ctx, payload)
		if err == nil {
			c.breaker.Record(breakerKey, nil)
			return v, nil
		}
		last = err
	}
	c.breaker.Record(breakerKey, last)
	c.log.Warn("classifier gave up", logx.Int("attempts", c.cfg.Retries+1), logx.Err(last))
	return storage.Classification{}, fmt.Errorf("%w: %w", ErrClassification, last)
}

func (c *OpenAIClassifier) once(ctx context.Context, payload []byte) (storage.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "reply_classification",
				Schema: &verdictSchema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return storage.Classification{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return storage.Classification{}, errors.New("no response choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

// parseVerdict decodes the model output, tolerating a markdown code fence.
func parseVerdict(content string) (storage.Classification, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var v storage.Classification
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return storage.Classification{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Intent == "" || v.Action == "" {
		return storage.Classification{}, errors.New("verdict missing intent or action")
	}
	return v, nil
}
