package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Draft is the model's proposed post.
type Draft struct {
	Title string   `json:"title"`
	Body  string   `json:"content"`
	Tags  []string `json:"tags"`
}

// Drafter writes a post draft from a keyword and reference material.
type Drafter interface {
	Draft(ctx context.Context, keyword string, refs []SearchResult) (Draft, error)
}

// ChatDrafter calls an OpenAI-compatible chat completion endpoint.
type ChatDrafter struct {
	baseURL    string
	apiKey     string
	model      string
	style      string
	httpClient *http.Client
}

func NewChatDrafter(baseURL, apiKey, model, style string) *ChatDrafter {
	return &ChatDrafter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		style:      style,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

const draftSystemPrompt = `你是一位小红书爆款文案写手。根据用户给的主题和参考资料，写一篇小红书笔记。
要求：
1. 标题不超过20个字，吸引眼球，可以带emoji
2. 正文300-600字，口语化，分段清晰，适当使用emoji
3. 给出5-8个相关话题标签，不带#号
只输出JSON，格式：{"title": "...", "content": "...", "tags": ["...", "..."]}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d *ChatDrafter) Draft(ctx context.Context, keyword string, refs []SearchResult) (Draft, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "主题：%s\n风格：%s\n", keyword, d.style)
	if len(refs) > 0 {
		prompt.WriteString("\n参考资料：\n")
		for i, ref := range refs {
			fmt.Fprintf(&prompt, "%d. %s\n%s\n", i+1, ref.Title, ref.Snippet)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: d.model,
		Messages: []chatMessage{
			{Role: "system", Content: draftSystemPrompt},
			{Role: "user", Content: prompt.String()},
		},
		Temperature: 0.8,
	})
	if err != nil {
		return Draft{}, fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Draft{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Draft{}, fmt.Errorf("calling chat completion: %w", err)
	}
	defer resp.Body.Close()

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Draft{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if chat.Error != nil {
		return Draft{}, fmt.Errorf("chat completion failed: %s", chat.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Draft{}, fmt.Errorf("chat completion returned status %d", resp.StatusCode)
	}
	if len(chat.Choices) == 0 {
		return Draft{}, fmt.Errorf("chat completion returned no choices")
	}

	draft, err := extractDraft(chat.Choices[0].Message.Content)
	if err != nil {
		return Draft{}, err
	}
	if draft.Title == "" || draft.Body == "" {
		return Draft{}, fmt.Errorf("draft missing title or content")
	}
	return draft, nil
}

// extractDraft pulls the JSON object out of the model reply, which may
// wrap it in markdown fences or prose.
func extractDraft(reply string) (Draft, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Draft{}, fmt.Errorf("no JSON object in model reply")
	}

	var draft Draft
	if err := json.Unmarshal([]byte(reply[start:end+1]), &draft); err != nil {
		return Draft{}, fmt.Errorf("parsing draft JSON: %w", err)
	}
	return draft, nil
}
