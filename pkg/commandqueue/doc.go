// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute in FIFO order, at most the lane's
//     concurrency at a time. Session lanes use concurrency 1.
//   - Tasks in different lanes may execute concurrently.
//   - Tasks sharing a DedupKey while one is in flight run once.
//   - Queue activity is observable through events and metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(commandqueue.SessionLane("abc"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
