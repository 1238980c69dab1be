// Package agent drives the completion/tool loop over one conversation.
//
// Invariants:
// - Tool calls run sequentially in the order the model returned them.
// - Every dispatched call yields exactly one tool-result message, failures
//   included.
// - The iteration cap aborts before dispatch, so history never ends on an
//   assistant message with unanswered tool calls.
// - Reset clears history only; tool server sessions stay up.
//
// Usage:
//
//	a, _ := agent.New(agent.Config{
//		Provider: p,
//		Tools:    manager,
//		Model:    "claude-sonnet-4-5",
//	})
//	result, err := a.HandleTurn(ctx, "what time is it?")
package agent
