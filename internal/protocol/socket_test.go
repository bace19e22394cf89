package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRawSocketEndDoesNotWaitForStalledWriter(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sock := NewRawSocket(a, nil)

	writeDone := make(chan error, 1)
	go func() {
		_, err := sock.Write([]byte("nobody reads this"))
		writeDone <- err
	}()
	// Let the write block on the unread pipe.
	time.Sleep(50 * time.Millisecond)

	endDone := make(chan struct{})
	go func() {
		_ = sock.End()
		close(endDone)
	}()
	select {
	case <-endDone:
	case <-time.After(5 * time.Second):
		t.Fatal("End blocked behind a stalled write")
	}
	select {
	case err := <-writeDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled write was not released")
	}
}
