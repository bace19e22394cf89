package remote

import (
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/xragent/internal/protocol"
)

// relay copies bytes between a client socket and a local connection until
// either side ends.
type relay struct {
	client  protocol.Socket
	backend net.Conn

	closeOnce sync.Once
}

func newRelay(client protocol.Socket, backend net.Conn) *relay {
	return &relay{client: client, backend: backend}
}

func (r *relay) close() {
	r.closeOnce.Do(func() {
		_ = r.client.Close()
		_ = r.backend.Close()
	})
}

// run writes initial to the backend, then relays both directions. It
// reports whether the client side ended first.
func (r *relay) run(initial []byte) (clientEnded bool) {
	if len(initial) > 0 {
		if _, err := r.backend.Write(initial); err != nil {
			r.close()
			return false
		}
	}
	var first sync.Once
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(r.backend, r.client)
		first.Do(func() { clientEnded = true })
		r.close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(r.client, r.backend)
		first.Do(func() { clientEnded = false })
		r.close()
		return err
	})
	_ = g.Wait()
	return clientEnded
}
