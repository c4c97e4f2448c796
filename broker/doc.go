// Package broker implements the in-memory publish/subscribe core: a
// process-wide registry of named topics, a fixed-capacity history ring per
// topic, bounded per-subscriber delivery queues with drop-oldest
// backpressure, and a graceful shutdown controller that drains pending
// deliveries within a budget.
//
// The broker is deliberately non-persistent and single-process. Messages
// live only in topic rings and subscriber queues; a restart forgets
// everything.
//
// # Concurrency
//
// Locks are ordered broker → topic and never the other way around. The
// broker lock guards only the topic registry; each topic serializes its
// ring and subscriber set under its own mutex. Fan-out offers run outside
// every lock and never block, so a slow subscriber cannot stall a publish
// or its sibling subscribers. Aggregate counters are plain atomics.
//
// Instantiate one Broker per process and pass it explicitly to the
// transport layers; tests freely create isolated instances in parallel.
package broker
