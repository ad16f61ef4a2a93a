package mem

import (
	"context"
	"sync"

	"meshchat.dev/go/meshchat/internal/transport"
)

// queue is an unbounded FIFO so a sender never waits on a slow reader.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.items = append(q.items, buf)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// link is shared by both ends; closing either end closes both.
type link struct {
	once sync.Once
	ab   *queue
	ba   *queue
	ends [2]*end
}

func (l *link) close() {
	l.once.Do(func() {
		l.ab.close()
		l.ba.close()
		for _, e := range l.ends {
			if e.onClose != nil {
				e.onClose()
			}
		}
	})
}

type end struct {
	hub    *Hub
	local  string
	remote string
	in     *queue
	out    *queue
	link   *link

	onClose func()
}

func newPipe(hub *Hub, a, b string) (*end, *end) {
	l := &link{ab: newQueue(), ba: newQueue()}
	left := &end{hub: hub, local: a, remote: b, in: l.ba, out: l.ab, link: l}
	right := &end{hub: hub, local: b, remote: a, in: l.ab, out: l.ba, link: l}
	l.ends = [2]*end{left, right}
	return left, right
}

func (e *end) EndpointID() string { return e.remote }

func (e *end) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.out.push(data); err != nil {
		return err
	}
	e.hub.recordSend(e.local, e.remote, data)
	return nil
}

func (e *end) Recv(ctx context.Context) ([]byte, error) {
	return e.in.pop(ctx)
}

func (e *end) Close() error {
	e.link.close()
	return nil
}
