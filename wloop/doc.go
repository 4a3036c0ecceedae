// Package wloop provides the single-goroutine cooperative scheduler
// that owns all wyvern state.
//
// Every endpoint, connection, and stream operation executes on the
// loop goroutine. Other goroutines interact with it only through the
// job queue ([Loop.Call], [Loop.CallSoon]) or the synchronous
// [CallGet] barrier. Jobs run to completion; there are no suspension
// points.
//
// Destruction of anything owned by the loop is itself a loop job:
// component Close methods dispatch their teardown through
// [Loop.Call], so teardown always runs on the loop goroutine no
// matter which goroutine dropped the last handle.
package wloop
