// Package devserver is a self-contained conversation backend for developing
// the client against: it speaks the same message contract, issues tokens,
// serves the character catalog and streams synthesized audio. Replies come
// from a canned script by default, or from Gemini when an API key is set.
package devserver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Replier produces one assistant reply for a user utterance.
type Replier interface {
	Reply(ctx context.Context, character, text string) (content, emotion string, err error)
}

// scriptedReply is one canned assistant turn.
type scriptedReply struct {
	content string
	emotion string
}

var script = []scriptedReply{
	{"Hello! It's so nice to hear from you.", "happy"},
	{"That's really interesting, tell me more.", "surprised"},
	{"I see. I was just thinking about that myself.", "neutral"},
	{"You always know how to make me smile.", "happy"},
	{"Hmm, let me think about that for a moment.", "neutral"},
}

// ScriptedReplier cycles through canned replies. It never fails.
type ScriptedReplier struct {
	mu   sync.Mutex
	next int
}

// NewScriptedReplier creates a replier serving the canned script.
func NewScriptedReplier() *ScriptedReplier {
	return &ScriptedReplier{}
}

func (r *ScriptedReplier) Reply(_ context.Context, _, text string) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "I didn't catch that, could you say it again?", "neutral", nil
	}
	r.mu.Lock()
	reply := script[r.next%len(script)]
	r.next++
	r.mu.Unlock()
	return reply.content, reply.emotion, nil
}

// GeminiReplier generates replies with the Gemini API.
type GeminiReplier struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

// NewGeminiReplier creates a Gemini-backed replier. It requires the
// GEMINI_API_KEY environment variable.
func NewGeminiReplier(logger *zap.Logger) (*GeminiReplier, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiReplier{
		client: client,
		logger: logger,
		model:  "gemini-2.0-flash",
	}, nil
}

func (r *GeminiReplier) Reply(ctx context.Context, character, text string) (string, string, error) {
	prompt := fmt.Sprintf(
		"You are %s, a friendly animated companion. Reply to the user in one or two short sentences.\nUser: %s",
		character, text)

	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(prompt), nil)
	if err != nil {
		return "", "", fmt.Errorf("generate reply: %w", err)
	}
	content := resp.Text()
	if content == "" {
		return "", "", fmt.Errorf("empty reply from model")
	}
	return strings.TrimSpace(content), "happy", nil
}
