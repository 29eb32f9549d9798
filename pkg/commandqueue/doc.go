// Package commandqueue serializes work per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A task whose caller gives up before it starts never runs.
//
// Usage:
//
//	queue := commandqueue.New(nil)
//	defer queue.Close()
//	err := queue.Enqueue(ctx, "conversation:abc", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
