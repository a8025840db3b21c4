package comm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBarrierReleasesEveryRank(t *testing.T) {
	const size = 5
	comms := NewLocal(size)
	var wg sync.WaitGroup
	order := make([]int, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			order[r] = r
			require.NoError(t, comms[r].Barrier(context.Background()))
		}()
	}
	wg.Wait()
}

func TestAllReduceSumAndMax(t *testing.T) {
	const size = 4
	comms := NewLocal(size)
	var wg sync.WaitGroup
	sums := make([]int64, size)
	maxes := make([]int64, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			sum, err := comms[r].AllReduceSum(context.Background(), int64(r+1))
			require.NoError(t, err)
			sums[r] = sum
			max, err := comms[r].AllReduceMax(context.Background(), int64(r+1))
			require.NoError(t, err)
			maxes[r] = max
		}()
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		require.Equal(t, int64(10), sums[r])
		require.Equal(t, int64(4), maxes[r])
	}
}

func TestBroadcast(t *testing.T) {
	const size = 3
	comms := NewLocal(size)
	var wg sync.WaitGroup
	got := make([][]byte, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			var payload []byte
			if r == 1 {
				payload = []byte("hello from rank 1")
			}
			b, err := comms[r].Broadcast(context.Background(), 1, payload)
			require.NoError(t, err)
			got[r] = b
		}()
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		require.Equal(t, "hello from rank 1", string(got[r]))
	}
}

func TestSendRecv(t *testing.T) {
	const size = 2
	comms := NewLocal(size)
	var wg sync.WaitGroup
	wg.Add(2)
	var received []byte
	go func() {
		defer wg.Done()
		require.NoError(t, comms[0].Send(context.Background(), 1, []byte("ping")))
	}()
	go func() {
		defer wg.Done()
		b, err := comms[1].Recv(context.Background(), 0)
		require.NoError(t, err)
		received = b
	}()
	wg.Wait()
	require.Equal(t, "ping", string(received))
}
