package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream runs an in-process NATS server with JetStream on a
// random port and returns a connected client. Cleanup closes the
// connection and shuts the server down.
func StartJetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext, func()) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server did not become ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}
	return nc, js, cleanup
}

// WaitForMessages collects messages published to a subject for the
// given window.
func WaitForMessages(t *testing.T, nc *nats.Conn, subject string, window time.Duration) [][]byte {
	t.Helper()

	msgCh := make(chan *nats.Msg, 100)
	sub, err := nc.ChanSubscribe(subject, msgCh)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var out [][]byte
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case msg := <-msgCh:
			out = append(out, msg.Data)
		case <-timer.C:
			return out
		}
	}
}
