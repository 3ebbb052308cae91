package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/hub"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/transport"
)

// maxFramesPerRead bounds how many frames one DecodeN call drains.
const maxFramesPerRead = 16

// startReader decodes frames sent by a host client and hands them to the
// server's FrameHandler. When the reader exits the connection is closed and
// the client marked closed so its writer unregisters it.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close()
		}()
		deliver := func(fr can.Frame) {
			metrics.IncHostRx()
			if s.handle != nil {
				s.handle(fr)
			}
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var err error
			if mfd, ok := s.codec.(transport.MultiFrameDecoder); ok {
				_, err = mfd.DecodeN(conn, maxFramesPerRead, deliver)
			} else {
				var fr can.Frame
				if fr, err = s.codec.Decode(conn); err == nil {
					deliver(fr)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(metricLabel(wrap))
				s.setError(wrap)
				logger.Debug("client_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
