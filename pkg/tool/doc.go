// Package tool binds advertised tool names to tool servers and executes
// calls against them.
//
// Invariants:
// - A tool is callable only through an explicit binding.
// - Arguments are schema-validated against the live catalog before the call
//   goes on the wire.
// - A call interrupted by a dead or silent server is retried exactly once
//   against a relaunched server.
// - ListAvailable never launches a server.
//
// Usage:
//
//	mgr := tool.NewManager(tool.FromRegistry(reg), []tool.Binding{
//		{Name: "read_file", Server: "files"},
//	})
//	res, err := mgr.Invoke(ctx, "read_file", map[string]any{"path": "a.txt"})
//	_, _ = res, err
package tool
