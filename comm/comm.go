// Package comm specifies the collective SPMD communicator the engine
// relies on for cross-process coordination: barrier, all-reduce,
// broadcast, and point-to-point send/recv. The engine is written
// entirely against this interface; package exchange builds the
// irregular all-to-all primitive on top of it, and package comm's own
// Local implementation is what the engine's tests run against in lieu
// of a real MPI binding.
package comm

import "context"

// Communicator is the collective messaging primitive the engine
// operations (map's dispatch, aggregate/gather's shuffle, sort's
// global record counts) run on top of.
//
// Every method is collective unless stated otherwise: every rank
// must call Barrier/AllReduce/Broadcast in the same order, the same
// number of times. Send/Recv are point-to-point and may be called in
// whatever order the caller's protocol requires.
type Communicator interface {
	// Rank returns this process's rank, in [0, Size).
	Rank() int
	// Size returns the number of processes in the communicator.
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// AllReduceSum returns the sum of v across every rank.
	AllReduceSum(ctx context.Context, v int64) (int64, error)
	// AllReduceMax returns the maximum of v across every rank.
	AllReduceMax(ctx context.Context, v int64) (int64, error)

	// Broadcast distributes data from root to every rank. The value
	// passed by non-root ranks is ignored; every rank (including
	// root) receives root's data back.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Send delivers data to dest. Send may block until dest calls Recv.
	Send(ctx context.Context, dest int, data []byte) error
	// Recv blocks until a message sent by source arrives, and returns
	// it.
	Recv(ctx context.Context, source int) ([]byte, error)
}
