package kad

import (
	"sync"

	"github.com/bwrega/mldht/kad/krpc"
)

// enqueuedSend pairs an outbound message with its owning call, if any.
// Construction decorates the message: the server's derived id is filled
// in, ping and find_node responses get the destination mirrored into the
// "ip" entry, and the call's expected RTT is pinned to the current stall
// timeout unless it carries an override.
type enqueuedSend struct {
	msg  krpc.Message
	call *Call
}

// sendQueue is the FIFO feeding the socket writer. Multiple producers,
// one drainer at a time, enforced by the writer state machine.
type sendQueue struct {
	mu    sync.Mutex
	items []*enqueuedSend
}

func (q *sendQueue) push(es *enqueuedSend) {
	q.mu.Lock()
	q.items = append(q.items, es)
	q.mu.Unlock()
}

func (q *sendQueue) pop() *enqueuedSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	es := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return es
}

func (q *sendQueue) nonEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *sendQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
