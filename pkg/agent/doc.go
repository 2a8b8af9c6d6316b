// Package agent runs prompts against a model with tools, knowledge
// references and persistent memory.
//
// Invariants:
//   - Runs of one session are serialized on the session's command queue lane.
//   - Session state is loaded from storage before the first run and saved
//     after every run.
//   - Memory, summary and storage failures after a run are logged and never
//     fail the run.
//
// Usage:
//
//	a, _ := agent.New(agent.Config{Model: "gpt-4o", AddHistoryToMessages: true}, agent.Deps{
//		LLM:     client,
//		Storage: sessions,
//	})
//	resp, _ := a.Run(ctx, "hello")
//	fmt.Println(resp.Content)
package agent
