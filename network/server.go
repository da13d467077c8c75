package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voidlink/auth"
	"voidlink/router"
	"voidlink/storage"
	"voidlink/transfer"
)

// Deps carries everything the server needs to dispatch commands.
type Deps struct {
	Accounts  *auth.AccountStore
	Sessions  *auth.SessionManager
	Router    *router.Router
	Engine    *transfer.Engine
	Store     *storage.Store
	ServerKey []byte
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
}

// Server accepts inbound TCP connections and runs one clientConn per
// socket.
type Server struct {
	listener net.Listener
	deps     Deps

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, deps Deps) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 30 * time.Minute
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		deps:     deps,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()

	logrus.WithField("address", listener.Addr().String()).Info("server listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			logrus.WithError(err).Warn("accept connection")
			continue
		}

		client := newClientConn(conn, s)
		go client.run()
	}
}
