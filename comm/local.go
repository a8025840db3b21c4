package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
)

// gen is a reusable generation-counted barrier, the same rendezvous
// shape bigslice's local executor (exec/bigmachine.go) uses to
// synchronize goroutine-simulated machines without a real network.
type gen struct {
	mu    sync.Mutex
	cond  *sync.Cond
	size  int
	count int
	round int
}

func newGen(size int) *gen {
	g := &gen{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gen) wait() {
	g.mu.Lock()
	round := g.round
	g.count++
	if g.count == g.size {
		g.count = 0
		g.round++
		g.cond.Broadcast()
	} else {
		for g.round == round {
			g.cond.Wait()
		}
	}
	g.mu.Unlock()
}

// hub is the shared state behind every rank's Local communicator.
type hub struct {
	size  int
	chans [][]chan []byte // chans[src][dst]

	barrier *gen

	arMu    sync.Mutex
	arSlots []int64
	sumBar  *gen
	maxBar  *gen

	bcMu   sync.Mutex
	bcData []byte
	bcBar1 *gen
	bcBar2 *gen
}

// NewLocal returns size Communicators, one per rank, that exchange
// messages over in-process channels. It is the in-process stand-in
// for a real collective transport, used by the engine's own tests —
// process launching and wire transport are left to a real MPI binding.
func NewLocal(size int) []Communicator {
	if size <= 0 {
		panic("comm.NewLocal: size must be positive")
	}
	h := &hub{
		size:    size,
		barrier: newGen(size),
		arSlots: make([]int64, size),
		sumBar:  newGen(size),
		maxBar:  newGen(size),
		bcBar1:  newGen(size),
		bcBar2:  newGen(size),
	}
	h.chans = make([][]chan []byte, size)
	for i := range h.chans {
		h.chans[i] = make([]chan []byte, size)
		for j := range h.chans[i] {
			h.chans[i][j] = make(chan []byte, 4*size+16)
		}
	}
	comms := make([]Communicator, size)
	for r := 0; r < size; r++ {
		comms[r] = &Local{hub: h, rank: r}
	}
	return comms
}

// Local is a Communicator backed by a shared in-process hub.
type Local struct {
	hub  *hub
	rank int
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.size }

func (l *Local) Barrier(ctx context.Context) error {
	l.hub.barrier.wait()
	return ctx.Err()
}

func (l *Local) allReduce(bar *gen, v int64, op func(a, b int64) int64) (int64, error) {
	h := l.hub
	h.arMu.Lock()
	h.arSlots[l.rank] = v
	h.arMu.Unlock()
	bar.wait()
	h.arMu.Lock()
	result := h.arSlots[0]
	for i := 1; i < h.size; i++ {
		result = op(result, h.arSlots[i])
	}
	h.arMu.Unlock()
	bar.wait()
	return result, nil
}

func (l *Local) AllReduceSum(ctx context.Context, v int64) (int64, error) {
	return l.allReduce(l.hub.sumBar, v, func(a, b int64) int64 { return a + b })
}

func (l *Local) AllReduceMax(ctx context.Context, v int64) (int64, error) {
	return l.allReduce(l.hub.maxBar, v, func(a, b int64) int64 {
		if b > a {
			return b
		}
		return a
	})
}

func (l *Local) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	h := l.hub
	if l.rank == root {
		h.bcMu.Lock()
		h.bcData = append([]byte{}, data...)
		h.bcMu.Unlock()
	}
	h.bcBar1.wait()
	h.bcMu.Lock()
	out := append([]byte{}, h.bcData...)
	h.bcMu.Unlock()
	h.bcBar2.wait()
	return out, nil
}

func (l *Local) Send(ctx context.Context, dest int, data []byte) error {
	if dest < 0 || dest >= l.hub.size {
		return errors.E(errors.Precondition, "comm: send to out-of-range rank")
	}
	msg := append([]byte{}, data...)
	select {
	case l.hub.chans[l.rank][dest] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Recv(ctx context.Context, source int) ([]byte, error) {
	if source < 0 || source >= l.hub.size {
		return nil, errors.E(errors.Precondition, "comm: recv from out-of-range rank")
	}
	select {
	case msg := <-l.hub.chans[source][l.rank]:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
