// Package testserver provides a controllable TCP endpoint for pool and
// transport tests. It accepts connections and can, on command, close its
// side of one or write unsolicited bytes — which is how tests exercise the
// Closed / Error / UnexpectedData reactions against a real socket instead of
// a mock.
package testserver

import (
	"net"
	"strconv"
	"sync"
)

// Server is a test-only TCP listener. Not for production use.
type Server struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

// Start listens on an ephemeral localhost port and begins accepting.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}

// Host and Port identify the listening address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// ConnCount returns how many connections have been accepted so far.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseConn closes the server side of the i-th accepted connection, which
// the client observes as EOF.
func (s *Server) CloseConn(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conns) {
		return nil
	}
	return s.conns[i].Close()
}

// Send writes unsolicited bytes on the i-th accepted connection. An idle
// pooled client connection treats any such bytes as corruption.
func (s *Server) Send(i int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conns) {
		return nil
	}
	_, err := s.conns[i].Write(data)
	return err
}

// Stop closes the listener and every accepted connection.
func (s *Server) Stop() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}
