package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pyr33x/goqtt/internal/broker"
	"github.com/pyr33x/goqtt/internal/logger"
	pkt "github.com/pyr33x/goqtt/internal/packet"
)

// TCPServer accepts raw MQTT connections and hands each framed packet to a
// Broker; all protocol state lives in the Broker, not here.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer that dispatches every connection to b.
func New(addr string, b *broker.Broker, log *logger.Logger, maxConnections int) *TCPServer {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &TCPServer{
		addr:           addr,
		broker:         b,
		log:            log,
		maxConnections: maxConnections,
	}
}

// Start begins accepting TCP connections.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if srv.log != nil {
				srv.log.Info("shutting down accept loop")
			}
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				if srv.log != nil {
					srv.log.LogError(err, "accept error")
				}
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// checkServerAvailability reports why a new connection cannot be admitted,
// or "" when the server has room.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

// handleConnection is a thin read loop: every framed packet is handed to
// Broker.HandleRequest, which owns parsing, dispatch and session state.
func (srv *TCPServer) handleConnection(conn net.Conn) {
	if reason := srv.checkServerAvailability(); reason != "" {
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		conn.Close()
		return
	}

	srv.currentConnections.Add(1)
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
	}()

	if srv.log != nil {
		srv.log.Info("client connected", logger.String("remote_addr", conn.RemoteAddr().String()), logger.Int("connections", int(srv.currentConnections.Load())))
	}

	reader := bufio.NewReader(conn)
	for {
		if srv.broker.HandleRequest(conn, reader) {
			return
		}
	}
}
