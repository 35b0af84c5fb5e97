package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// Handler answers one decoded request. A nil response with a nil error
// means no reply is sent. authority.Service satisfies this.
type Handler interface {
	HandleRequest(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Server accepts terminal connections and serves their requests.
type Server struct {
	secret  []byte
	handler Handler
	log     *slog.Logger
}

// NewServer creates a server with the shared tunnel secret.
func NewServer(secret []byte, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{secret: secret, handler: handler, log: log}
}

// Serve accepts connections on ln until ctx is done. Each connection is
// served on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With("remote", conn.RemoteAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	tunnel, err := NewServerTunnel(conn, s.secret, 0)
	if err != nil {
		log.Warn("tunnel handshake failed", "error", err)
		return
	}
	log.Info("terminal connected")

	for {
		data, err := tunnel.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Info("terminal disconnected", "error", err)
			}
			return
		}

		req, err := wire.DecodeRequest(data)
		if err != nil {
			log.Warn("undecodable request frame", "error", err)
			continue
		}

		resp, err := s.handler.HandleRequest(ctx, req)
		if err != nil {
			log.Warn("request failed",
				"method", req.Method, "request_id", req.RequestID, "error", err)
			continue
		}
		if resp == nil {
			continue
		}

		out, err := wire.EncodeResponse(resp)
		if err != nil {
			log.Error("encoding response failed", "error", err)
			continue
		}
		if err := tunnel.WriteMessage(out); err != nil {
			log.Info("terminal disconnected", "error", err)
			return
		}
	}
}
