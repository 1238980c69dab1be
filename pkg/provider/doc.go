// Package provider adapts chat completion APIs behind a single interface.
// Anthropic and OpenAI ride their official SDKs; Gemini and Ollama speak
// their native REST endpoints directly. Conversation history, tool schemas
// and tool calls use one neutral shape so the agent loop never branches on
// the configured vendor.
//
// Invariants:
//   - Complete never mutates the history slice it is given.
//   - Tool call IDs are unique within a process, including for backends
//     that do not issue their own.
//   - Failures carry a Kind; only rate limits and network faults are
//     retryable.
//
// Usage:
//
//	p, err := provider.New(provider.Config{ID: "main", Kind: "anthropic"})
//	if err != nil {
//		return err
//	}
//	p = provider.WrapWithRetry(p, provider.DefaultRetryConfig(), nil)
//	out, err := p.Complete(ctx, history, tools, provider.Options{Model: "claude-sonnet-4-5"})
package provider
