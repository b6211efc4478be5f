// Package bufq implements a bounded producer/consumer buffer queue.
//
// A Queue is a fixed table of slots through which a producer fills
// graphics buffers and a consumer receives them in order, with per-slot
// ownership tracking. The producer half is the Producer interface
// (dequeue/request/queue/cancel plus connection and geometry negotiation);
// the consumer half acquires queued buffers and releases them back to the
// pool with a fence attached.
//
// The virtual display core uses a Queue in two roles: as its internally
// owned scratch pool for intermediate GPU output, and (via the Producer
// interface) as the contract required of an externally supplied sink such
// as a recording pipe.
//
// Buffer storage is pluggable through the Allocator interface. The default
// CPU allocator backs buffers with plain byte slices; the gpualloc package
// provides a HAL-texture-backed allocator.
package bufq
