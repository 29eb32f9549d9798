// Package toolexecutor is the registry and dispatcher for model tool calls.
//
// Invariants:
//   - Tool names are unique and handlers are typed and validated at registration.
//   - Arguments are schema-validated before a handler runs.
//   - Dispatch returns exactly one response per request, in order, even when
//     the tool is unknown, the arguments are invalid or the handler fails.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, args toolexecutor.Arguments) (toolexecutor.Result, error) {
//			return toolexecutor.Result{"text": args["text"]}, nil
//		},
//	})
//	responses := exec.Dispatch(ctx, calls)
package toolexecutor
