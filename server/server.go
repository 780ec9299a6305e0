package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"chunkcast/pkg/logger"
	"chunkcast/pkg/monitor"
	"chunkcast/pkg/protocol"
	"chunkcast/pkg/storage"
)

// Server serves chunk requests over persistent TCP connections. Each
// accepted connection gets its own goroutine and loops over framed
// request/response exchanges until the client disconnects or goes idle.
type Server struct {
	store       *storage.Store
	listenAddr  string
	idleTimeout time.Duration

	ln     net.Listener
	quitCh chan struct{}
	wg     sync.WaitGroup
}

func New(store *storage.Store, listenAddr string, idleTimeout time.Duration) *Server {
	return &Server{
		store:       store,
		listenAddr:  listenAddr,
		idleTimeout: idleTimeout,
		quitCh:      make(chan struct{}),
	}
}

// Start binds the serving port and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listenAddr, err)
	}
	s.ln = ln

	logger.Sugar.Infof("[Server] serving chunks on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr reports the bound address; useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

// Port reports the bound TCP port.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quitCh:
				return
			default:
				logger.Sugar.Errorf("[Server] accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn services one client. A failure here terminates only this
// connection's loop; other clients are unaffected.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger.Sugar.Debugf("[Server] connection from %s", remote)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return
		}

		frameType, length, err := protocol.ReadFrameHeader(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				logger.Sugar.Warnf("[Server] bad frame from %s: %v", remote, err)
			}
			return
		}
		if frameType != protocol.FrameRequest {
			logger.Sugar.Warnf("[Server] unexpected frame type %d from %s", frameType, remote)
			return
		}

		req, err := protocol.ReadRequest(conn, length)
		if err != nil {
			logger.Sugar.Warnf("[Server] malformed request from %s: %v", remote, err)
			return
		}

		if err := s.serveChunk(conn, remote, req); err != nil {
			logger.Sugar.Warnf("[Server] reply to %s failed: %v", remote, err)
			return
		}
	}
}

// serveChunk answers one request. A missing or unreadable chunk gets a
// not-found frame so the connection stays usable; only a write failure on
// the reply itself ends the session.
func (s *Server) serveChunk(conn net.Conn, remote string, req protocol.ChunkRequest) error {
	data, err := s.store.ReadChunk(req.FileName, req.Index)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Sugar.Errorf("[Server] chunk %s[%d] unreadable: %v", req.FileName, req.Index, err)
		} else {
			logger.Sugar.Infof("[Server] chunk %s[%d] not held, telling %s", req.FileName, req.Index, remote)
		}
		return protocol.WriteFrameHeader(conn, protocol.FrameNotFound, 0)
	}

	if err := protocol.WriteFrameHeader(conn, protocol.FrameChunkData, uint32(len(data))); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}

	monitor.RecordChunkServed(int64(len(data)))
	logger.Sugar.Debugf("[Server] served %s[%d] (%d bytes) to %s", req.FileName, req.Index, len(data), remote)
	return nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	select {
	case <-s.quitCh:
	default:
		close(s.quitCh)
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}
