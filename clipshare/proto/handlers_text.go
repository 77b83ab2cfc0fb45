package proto

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/clipshare/clipshare-server/clipshare/socket"
	"github.com/clipshare/clipshare-server/clipshare/version"
)

// toWireLF normalises line endings to bare LF, the documented contract
// for bytes heading onto the wire ("outgoing = LF on wire").
func toWireLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// toDiskPlatform normalises inbound wire bytes (already LF-only per the
// sender's contract) to this platform's convention before handing them
// to the clipboard backend ("incoming = platform on disk").
func toDiskPlatform(s string) string {
	return s // POSIX convention: LF is already the platform convention.
}

func handleGetText(s *Session) error {
	text, err := s.Backend.GetText()
	if err != nil || int64(len(text)) > s.Cfg.MaxTextLength {
		s.Sock.WriteExact([]byte{StatusNoData})
		return s.Sock.Close(socket.CloseImmediateNoShutdown)
	}

	normalized := toWireLF(text)
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if err := s.Sock.SendSize(int64(len(normalized))); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if err := s.Sock.WriteExact([]byte(normalized)); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	return s.Sock.Close(socket.CloseWaitPeerEOF)
}

var errInvalidText = errors.New("proto: send-text payload is not valid UTF-8 or contains a disallowed control byte")

func handleSendText(s *Session) error {
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		return err
	}

	n, err := s.Sock.ReadSize()
	if err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if n <= 0 || n > s.Cfg.MaxTextLength {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return errors.New("proto: send-text length out of range")
	}

	buf := make([]byte, n)
	if err := s.Sock.ReadExact(buf); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}

	if !validSendTextPayload(buf) {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return errInvalidText
	}

	s.Sock.Close(socket.CloseImmediateNoShutdown)

	normalized := toDiskPlatform(toWireLF(string(buf)))
	return s.Backend.SetText(normalized)
}

// validSendTextPayload requires valid UTF-8 with no control byte < 0x20
// other than TAB (0x09), LF (0x0A), and CR (0x0D).
func validSendTextPayload(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return false
		}
	}
	return true
}

func handleInfo(s *Session) error {
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		return err
	}
	if err := s.Sock.SendSize(int64(len(version.InfoName))); err != nil {
		return err
	}
	return s.Sock.WriteExact([]byte(version.InfoName))
}
