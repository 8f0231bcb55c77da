// Package worker provides the fixed-size worker pool that bounds the
// concurrency of the background retry sweep. The pool's queue capacity is
// the pipeline's backpressure valve: when it is full, Submit returns
// types.ErrPoolFull and the due entry simply waits for the next sweep
// cycle instead of spawning unbounded work.
package worker
