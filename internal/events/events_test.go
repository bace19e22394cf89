package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNATSSubject(t *testing.T) {
	opts := NATSOptions{}
	opts.setDefaults()
	p := &NATS{opts: opts}
	assert.Equal(t, "xragent.exthost.exited", p.Subject(ExtHostExited))
	assert.Equal(t, "xragent_events", opts.Stream)
}

func TestNopIsSafe(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), Event{Kind: ServerShutdown})
	p.Close()
}
