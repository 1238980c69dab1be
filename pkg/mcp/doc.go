// Package mcp speaks the Model Context Protocol to tool servers over child
// process stdio.
//
// Invariants:
// - One session owns one child process and one reader goroutine.
// - Every request id resolves at most once; unknown ids are dropped.
// - A failed or closed session never blocks callers; pending calls resolve
//   with a typed error.
// - Handshakes for different servers run concurrently.
//
// Usage:
//
//	reg := mcp.NewRegistry()
//	reg.Register(mcp.Descriptor{Name: "files", Command: "mcp-files"})
//	sess, _ := reg.EnsureReady(ctx, "files")
//	res, _ := sess.CallTool(ctx, "read_file", map[string]any{"path": "a.txt"}, 0)
//	_ = res
package mcp
