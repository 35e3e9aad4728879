package collaborators

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// fakeModel is a scripted llms.Model. Replies are consumed in order; the
// last one repeats.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
	systems []string

	// onReply runs before a scripted reply is returned.
	onReply func()
}

func (m *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		for _, part := range msg.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				continue
			}
			switch msg.Role {
			case schema.ChatMessageTypeSystem:
				m.systems = append(m.systems, text.Text)
			case schema.ChatMessageTypeHuman:
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}

	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if len(m.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	if m.onReply != nil {
		m.onReply()
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.replies[i]}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func (m *fakeModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

func newFakeLLM(replies ...string) (*LLM, *fakeModel) {
	m := &fakeModel{replies: replies}
	return NewLLMWithModel(m, nil), m
}
