// Package transcript persists finished conversation turns as JSONL files.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - Append/load/delete operations are observable via tracing, and the
//   active-session gauge tracks files on disk.
//
// Usage:
//
//	store, _ := transcript.New("/tmp/juru/transcripts", met)
//	_ = store.Append(ctx, "session-1", transcript.Turn{User: "hi", Assistant: "hello"})
//	turns, _ := store.Load(ctx, "session-1")
//	_ = turns
package transcript
