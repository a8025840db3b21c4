// Package exchange implements the irregular all-to-all exchange:
// given a packed buffer of records, their sizes, and a destination
// rank per record, it redistributes every record to its destination
// in one collective pass.
package exchange

import (
	"context"
	"encoding/binary"

	"github.com/sandialabs/mrmpi-go/comm"
	"golang.org/x/sync/errgroup"
)

// Exchange redistributes payload (sizes[i] bytes per record i,
// destined for rank dest[i]) across c, returning every record this
// rank received. Received records are grouped by sender in
// ascending rank order; within a sender's batch, the original send
// order is preserved. Order across senders is otherwise unspecified.
func Exchange(ctx context.Context, c comm.Communicator, payload []byte, sizes, dest []int) (recvPayload []byte, recvSizes []int, err error) {
	size := c.Size()
	if size == 1 {
		// Nothing to redistribute with only one process.
		return payload, sizes, nil
	}

	perDestSizes := make([][]int, size)
	perDestBytes := make([]int, size)
	off := 0
	for i, sz := range sizes {
		d := dest[i]
		perDestSizes[d] = append(perDestSizes[d], sz)
		perDestBytes[d] += sz
		off += sz
	}
	perDestPayload := make([][]byte, size)
	for d := range perDestPayload {
		perDestPayload[d] = make([]byte, 0, perDestBytes[d])
	}
	off = 0
	for i, sz := range sizes {
		d := dest[i]
		perDestPayload[d] = append(perDestPayload[d], payload[off:off+sz]...)
		off += sz
	}

	sendGroup, sendCtx := errgroup.WithContext(ctx)
	for d := 0; d < size; d++ {
		d := d
		sendGroup.Go(func() error {
			msg := encodeBatch(perDestSizes[d], perDestPayload[d])
			return c.Send(sendCtx, d, msg)
		})
	}

	recvBatches := make([][]byte, size)
	recvBatchSizes := make([][]int, size)
	recvGroup, recvCtx := errgroup.WithContext(ctx)
	for s := 0; s < size; s++ {
		s := s
		recvGroup.Go(func() error {
			msg, err := c.Recv(recvCtx, s)
			if err != nil {
				return err
			}
			sizes, payload := decodeBatch(msg)
			recvBatchSizes[s] = sizes
			recvBatches[s] = payload
			return nil
		})
	}

	if err := sendGroup.Wait(); err != nil {
		return nil, nil, err
	}
	if err := recvGroup.Wait(); err != nil {
		return nil, nil, err
	}
	for s := 0; s < size; s++ {
		recvPayload = append(recvPayload, recvBatches[s]...)
		recvSizes = append(recvSizes, recvBatchSizes[s]...)
	}
	return recvPayload, recvSizes, nil
}

// encodeBatch frames one rank's share of an exchange round as a
// record count, that many record lengths, and the concatenated
// record bytes.
func encodeBatch(sizes []int, payload []byte) []byte {
	buf := make([]byte, 4+4*len(sizes), 4+4*len(sizes)+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(sizes)))
	for i, s := range sizes {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], uint32(s))
	}
	return append(buf, payload...)
}

func decodeBatch(msg []byte) (sizes []int, payload []byte) {
	n := int(binary.LittleEndian.Uint32(msg[0:4]))
	sizes = make([]int, n)
	off := 4
	for i := 0; i < n; i++ {
		sizes[i] = int(binary.LittleEndian.Uint32(msg[off : off+4]))
		off += 4
	}
	return sizes, msg[off:]
}
