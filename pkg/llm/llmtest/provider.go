// Package llmtest provides scripted llm.Provider implementations for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/mnemo/pkg/llm"
)

// Responder produces a response for a request. Returning a nil response
// and nil error makes the provider fall through to its scripted queue.
type Responder func(ctx context.Context, req llm.Request) (*llm.Response, error)

// Provider is a scripted llm.Provider. Queued responses are returned in order;
// when the queue is empty the Fallback responder is used, and when there is no
// fallback an error is returned.
type Provider struct {
	Name     string
	Fallback Responder

	mu       sync.Mutex
	queue    []step
	requests []llm.Request
}

type step struct {
	resp *llm.Response
	err  error
}

// New returns a provider named "mock".
func New() *Provider {
	return &Provider{Name: "mock"}
}

// Reply queues a plain text response.
func (p *Provider) Reply(content string) *Provider {
	return p.ReplyWith(&llm.Response{Content: content, Usage: &llm.TokenUsage{InputTokens: 10, OutputTokens: 5}})
}

// ReplyTools queues a response that requests tool calls.
func (p *Provider) ReplyTools(calls ...llm.ToolCall) *Provider {
	return p.ReplyWith(&llm.Response{ToolCalls: calls, Usage: &llm.TokenUsage{InputTokens: 10, OutputTokens: 5}})
}

// ReplyWith queues an arbitrary response.
func (p *Provider) ReplyWith(resp *llm.Response) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, step{resp: resp})
	return p
}

// Fail queues an error.
func (p *Provider) Fail(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, step{err: err})
	return p
}

// Provider returns the provider name
func (p *Provider) Provider() string {
	if p.Name == "" {
		return "mock"
	}
	return p.Name
}

// Call records the request and returns the next scripted step.
func (p *Provider) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	req.Messages = llm.CloneMessages(req.Messages)
	p.requests = append(p.requests, req)
	fallback := p.Fallback
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if next.err != nil {
			return nil, next.err
		}
		resp := *next.resp
		return &resp, nil
	}
	p.mu.Unlock()

	if fallback != nil {
		resp, err := fallback(ctx, req)
		if resp != nil || err != nil {
			return resp, err
		}
	}
	return nil, fmt.Errorf("llmtest: no scripted response for request %d", len(p.Requests()))
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// LastRequest returns the most recent request, or the zero value.
func (p *Provider) LastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.Request{}
	}
	return p.requests[len(p.requests)-1]
}

// Pending returns the number of queued steps not yet consumed.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Factory hands out fixed providers by profile id.
type Factory struct {
	Providers map[string]llm.Provider
}

// NewProvider implements llm.ProviderCreator.
func (f *Factory) NewProvider(profile llm.AuthProfile) (llm.Provider, error) {
	p, ok := f.Providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("llmtest: no provider for profile %s", profile.ID)
	}
	return p, nil
}
