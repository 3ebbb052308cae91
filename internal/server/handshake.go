package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-can-bridge/internal/cnl"
)

// handshake runs the cannelloni hello exchange with a new client.
func (s *Server) handshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}
