// Package mockworker is a stand-in for the compute worker. It binds the
// worker socket and answers the desktop protocol with canned replies:
// initialize gets an unterminated initialize_status blob, prompt gets a
// newline-terminated prompt_response, ping is accepted silently.
//
// It backs the hidden "llamadesk mock-worker" command and the supervisor
// tests, so both framings are exercised end to end without the real worker.
package mockworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/crowdllama/llamadesk/internal/ipc"
)

// Server answers worker protocol requests on a unix socket.
type Server struct {
	path string
	out  io.Writer

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a server for path. Activity is reported as text lines on out.
func New(path string, out io.Writer) *Server {
	if out == nil {
		out = io.Discard
	}
	return &Server{
		path:  path,
		out:   out,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale file at the same path.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	s.ln = ln
	fmt.Fprintf(s.out, "mock worker listening on %s\n", s.path)
	return nil
}

// Serve accepts connections until ctx is done, then closes every
// connection and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("mock worker: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			for c := range s.conns {
				_ = c.Close()
			}
			s.mu.Unlock()
			s.wg.Wait()
			_ = os.Remove(s.path)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Run is Listen followed by Serve.
func Run(ctx context.Context, path string, out io.Writer) error {
	s := New(path, out)
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	fmt.Fprintln(s.out, "client connected")
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), ipc.DefaultMaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply, terminate, err := Respond(line)
		if err != nil {
			fmt.Fprintf(s.out, "bad request: %v\n", err)
			continue
		}
		if reply == nil {
			continue
		}
		data, err := ipc.Encode(reply)
		if err != nil {
			fmt.Fprintf(s.out, "encode reply: %v\n", err)
			continue
		}
		if terminate {
			data = append(data, '\n')
		}
		if _, err := conn.Write(data); err != nil {
			fmt.Fprintf(s.out, "write reply: %v\n", err)
			return
		}
	}
	fmt.Fprintln(s.out, "client disconnected")
}

// Respond maps one request line to the canned reply. terminate reports
// whether the reply is written with a trailing newline. A nil reply means
// the request needs no answer.
func Respond(line []byte) (reply ipc.Message, terminate bool, err error) {
	msg, err := ipc.Decode(line)
	if err != nil {
		return nil, false, err
	}
	switch m := msg.(type) {
	case ipc.Initialize:
		return ipc.InitializeStatus{Text: fmt.Sprintf("joined network as %s", m.Mode)}, false, nil
	case ipc.Prompt:
		model := m.Model
		if model == "" {
			model = "mock"
		}
		return ipc.PromptResponse{Content: fmt.Sprintf("**%s** received: %s", model, m.Prompt)}, true, nil
	default:
		return nil, false, nil
	}
}
