// Package engine implements the Producer and Consumer state machines: the
// bounded fill/drain worker pools, the sequence-ordered reorder merge, and
// the per-consumer unbounded delivery queue.
//
// Concurrency is modeled with golang.org/x/sync/errgroup the way
// filecoin-project-lotus's splitstore compactor runs a bounded worker pool
// over a shared unit of work; the reorder step uses container/heap, the
// standard min-heap pattern.
package engine
