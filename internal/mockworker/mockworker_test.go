package mockworker

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crowdllama/llamadesk/internal/ipc"
)

func TestRespond(t *testing.T) {
	reply, terminate, err := Respond([]byte(`{"type":"initialize","mode":"worker"}`))
	require.NoError(t, err)
	require.False(t, terminate)
	require.Equal(t, "joined network as worker", reply.(ipc.InitializeStatus).Text)

	reply, terminate, err = Respond([]byte(`{"type":"prompt","prompt":"hi","model":"llama3.2"}`))
	require.NoError(t, err)
	require.True(t, terminate)
	require.Equal(t, "**llama3.2** received: hi", reply.(ipc.PromptResponse).Content)

	reply, _, err = Respond([]byte(`{"type":"ping","timestamp":1}`))
	require.NoError(t, err)
	require.Nil(t, reply)

	_, _, err = Respond([]byte(`nope`))
	require.ErrorIs(t, err, ipc.ErrMalformedMessage)
}

// syncBuffer is a bytes.Buffer safe for the server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_BothFramings(t *testing.T) {
	dir, err := os.MkdirTemp("", "mw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "w.sock")

	// A stale file at the path is replaced.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	out := &syncBuffer{}
	srv := New(path, out)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	dec := ipc.NewDecoder(ipc.DefaultMaxFrameBytes)
	readOne := func() ipc.Message {
		buf := make([]byte, 4096)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			n, err := conn.Read(buf)
			require.NoError(t, err)
			msgs, errs := dec.Feed(buf[:n])
			require.Empty(t, errs)
			if len(msgs) > 0 {
				require.Len(t, msgs, 1)
				return msgs[0]
			}
		}
	}

	_, err = conn.Write([]byte("{\"type\":\"initialize\",\"mode\":\"consumer\"}\n"))
	require.NoError(t, err)
	status := readOne()
	require.Equal(t, "joined network as consumer", status.(ipc.InitializeStatus).Text)

	_, err = conn.Write([]byte("{\"type\":\"ping\",\"timestamp\":5}\n{\"type\":\"prompt\",\"prompt\":\"2+2\",\"model\":\"m\"}\n"))
	require.NoError(t, err)
	resp := readOne()
	require.Equal(t, "**m** received: 2+2", resp.(ipc.PromptResponse).Content)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "Serve did not return after cancel")
	}

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, out.String(), "mock worker listening on")
}

func TestServer_BadRequestKeepsConnection(t *testing.T) {
	dir, err := os.MkdirTemp("", "mw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "w.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	srv := New(path, out)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GARBAGE\n{\"type\":\"prompt\",\"prompt\":\"x\",\"model\":\"\"}\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	msg, err := ipc.Decode(bytes.TrimSpace(line))
	require.NoError(t, err)
	require.Equal(t, "**mock** received: x", msg.(ipc.PromptResponse).Content)
	require.Contains(t, out.String(), "bad request")
}

func TestServe_WithoutListen(t *testing.T) {
	require.Error(t, New("/tmp/unused.sock", nil).Serve(context.Background()))
}
