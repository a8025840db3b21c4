package exchange

import (
	"context"
	"sync"
	"testing"

	"github.com/sandialabs/mrmpi-go/comm"
	"github.com/stretchr/testify/require"
)

func TestExchangeRedistributesByDestination(t *testing.T) {
	const size = 4
	comms := comm.NewLocal(size)

	// Rank r sends one byte labelled with its own rank to every
	// other rank, including itself.
	var wg sync.WaitGroup
	results := make([][]byte, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			var payload []byte
			var sizes, dest []int
			for d := 0; d < size; d++ {
				payload = append(payload, byte(r))
				sizes = append(sizes, 1)
				dest = append(dest, d)
			}
			recv, recvSizes, err := Exchange(context.Background(), comms[r], payload, sizes, dest)
			require.NoError(t, err)
			require.Len(t, recvSizes, size)
			results[r] = recv
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		counts := make([]int, size)
		for _, b := range results[r] {
			counts[b]++
		}
		for sender := 0; sender < size; sender++ {
			require.Equal(t, 1, counts[sender], "rank %d should receive exactly one byte from sender %d", r, sender)
		}
	}
}

func TestExchangeSingleProcessIsNoOp(t *testing.T) {
	comms := comm.NewLocal(1)
	payload := []byte("abc")
	sizes := []int{1, 1, 1}
	dest := []int{0, 0, 0}
	recv, recvSizes, err := Exchange(context.Background(), comms[0], payload, sizes, dest)
	require.NoError(t, err)
	require.Equal(t, payload, recv)
	require.Equal(t, sizes, recvSizes)
}

func TestExchangeVariableSizedRecords(t *testing.T) {
	const size = 3
	comms := comm.NewLocal(size)
	var wg sync.WaitGroup
	results := make([][]int, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			// rank r sends a record of length r+1 to rank (r+1)%size.
			payload := make([]byte, r+1)
			for i := range payload {
				payload[i] = byte(r)
			}
			sizes := []int{r + 1}
			dest := []int{(r + 1) % size}
			_, recvSizes, err := Exchange(context.Background(), comms[r], payload, sizes, dest)
			require.NoError(t, err)
			results[r] = recvSizes
		}()
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		sender := (r - 1 + size) % size
		require.Equal(t, []int{sender + 1}, results[r])
	}
}
