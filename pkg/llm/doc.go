// Package llm provides provider-neutral chat messages and model clients.
//
// Providers wrap the OpenAI, Anthropic and Gemini SDKs behind the Provider
// interface. Client layers priority-ordered failover, per-profile cooldown and
// retry with exponential backoff on top of individual providers.
//
// Invariants:
//   - Messages are plain values; roles are system, user, assistant or tool.
//   - A tool message carries the ToolCallID of the assistant tool call it answers.
//   - A profile that fails is skipped for 60s times its consecutive failure count.
//
// Usage:
//
//	client, err := llm.NewClient(llm.ClientConfig{Profiles: profiles})
//	resp, err := client.Call(ctx, llm.Request{Model: "gpt-4o", Messages: msgs})
package llm
