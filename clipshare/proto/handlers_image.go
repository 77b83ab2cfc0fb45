package proto

import (
	"github.com/clipshare/clipshare-server/clipshare/clipboard"
	"github.com/clipshare/clipshare-server/clipshare/socket"
)

func handleGetImage(s *Session) error {
	return serveImage(s, clipboard.ImageAny, 0)
}

func handleGetCopiedImage(s *Session) error {
	return serveImage(s, clipboard.ImageCopiedOnly, 0)
}

// handleGetScreenshot first acks with StatusOK, then reads a range-
// checked display index before delegating to the shared image path —
// matching the screenshot method's two-stage exchange.
func handleGetScreenshot(s *Session) error {
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		return err
	}
	disp, err := s.Sock.ReadSize()
	if err != nil {
		return err
	}
	if disp <= 0 || disp > maxDisplay {
		disp = 0
	}
	return serveImage(s, clipboard.ImageScreenshotOnly, int(disp))
}

// resolveDisplay honors the client's requested display only when
// client_selects_display is configured on; otherwise (or when the
// client sent no preference) the server's own configured display wins.
func resolveDisplay(s *Session, requested int) int {
	if requested <= 0 || !s.Cfg.ClientSelectsDisplay {
		return s.Cfg.Display
	}
	return requested
}

func serveImage(s *Session, mode clipboard.ImageMode, display int) error {
	display = resolveDisplay(s, display)
	img, err := s.Backend.GetImage(mode, display)
	if err != nil || len(img) == 0 || len(img) > maxImageSize {
		s.Sock.WriteExact([]byte{StatusNoData})
		return s.Sock.Close(socket.CloseImmediateNoShutdown)
	}
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if err := s.Sock.SendSize(int64(len(img))); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if err := s.Sock.WriteExact(img); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	return s.Sock.Close(socket.CloseWaitPeerEOF)
}
