package narrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// historyLimit caps how much of the transcript is replayed to the model.
const historyLimit = 20

const systemPrompt = `You are the narrator of a collaborative text adventure played by a couple.
Both partners have just contributed to the current scene. Continue the story with one short,
vivid narration beat (2-4 sentences) that reacts to both of their contributions and ends on a
hook that invites the next move. Never speak for the players and never break character.`

// ArkConfig holds the Ark model settings, loaded from environment variables.
type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string
}

// ArkConfigFromEnv reads the ARK_* variables.
func ArkConfigFromEnv() ArkConfig {
	baseURL := strings.TrimSpace(os.Getenv("ARK_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}
	region := strings.TrimSpace(os.Getenv("ARK_REGION"))
	if region == "" {
		region = "cn-beijing"
	}
	return ArkConfig{
		APIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:     strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:   baseURL,
		Region:    region,
	}
}

// Enabled reports whether the config carries enough credentials to build a model.
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// Ark is a Narrator backed by an Ark chat model through an eino chain.
type Ark struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArk builds the prompt-template -> chat-model chain once; Generate then
// invokes it per round.
func NewArk(ctx context.Context, cfg ArkConfig) (*Ark, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("narrator: ark credentials or model missing")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		APIKey:    cfg.APIKey,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Model:     cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("narrator: create chat model: %w", err)
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("narrator: compile chain: %w", err)
	}
	return &Ark{chain: runnable}, nil
}

// Generate asks the model for the next narration beat.
func (a *Ark) Generate(ctx context.Context, history []story.Message) (string, error) {
	response, err := a.chain.Invoke(ctx, map[string]any{
		"system":  systemPrompt,
		"history": toModelHistory(history),
		"query":   "Both partners have made their move. Narrate what happens next.",
	})
	if err != nil {
		return "", fmt.Errorf("narrator: invoke chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return "", fmt.Errorf("narrator: model returned empty narration")
	}
	return text, nil
}

// toModelHistory maps the story transcript onto chat roles: narration beats
// are what the model itself said, everything the humans wrote is user input
// tagged with who wrote it.
func toModelHistory(history []story.Message) []*schema.Message {
	start := 0
	if len(history) > historyLimit {
		start = len(history) - historyLimit
	}

	msgs := make([]*schema.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		switch m.Sender {
		case story.SenderModerator:
			msgs = append(msgs, schema.AssistantMessage(m.Text, nil))
		case story.SenderParticipantA, story.SenderParticipantB:
			msgs = append(msgs, schema.UserMessage(fmt.Sprintf("[%s] %s", m.Sender, m.Text)))
		}
	}
	return msgs
}
