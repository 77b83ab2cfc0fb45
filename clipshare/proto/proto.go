// Package proto implements the ClipShare wire protocol: version
// negotiation, method dispatch, and the method handlers themselves.
package proto

import (
	"github.com/clipshare/clipshare-server/clipshare/clipboard"
	"github.com/clipshare/clipshare-server/clipshare/config"
	"github.com/clipshare/clipshare-server/clipshare/log"
	"github.com/clipshare/clipshare-server/clipshare/socket"
)

// Version negotiation statuses.
const (
	VersionSupported byte = 1
	VersionObsolete   byte = 2
	VersionUnknown    byte = 3
)

// Method-level status bytes, shared across every handler.
const (
	StatusOK                     byte = 1
	StatusNoData                 byte = 2
	StatusUnknownMethod          byte = 3
	StatusMethodNotImplemented   byte = 4
)

// Method codes dispatched after version negotiation.
const (
	MethodGetText        byte = 1
	MethodSendText        byte = 2
	MethodGetFiles         byte = 3
	MethodSendFiles        byte = 4
	MethodGetImage         byte = 5
	MethodGetCopiedImage  byte = 6
	MethodGetScreenshot    byte = 7
	MethodInfo             byte = 125
)

const (
	maxDisplay = 65536
	// maxImageSize bounds get-image/get-copied-image/get-screenshot
	// payloads, per spec.md's "≤ 1 GiB" get-image boundary.
	maxImageSize = 1 << 30
)

// Session is per-connection state: negotiated version, a small fixed
// I/O surface, the injected clipboard backend, and everything a handler
// needs to run to completion. Lifetime equals one accepted connection;
// nothing here is shared across workers.
type Session struct {
	Sock    *socket.Socket
	Version int
	Cfg     *config.Config
	Backend clipboard.Backend
	Log     *log.Logger

	// staging records the staging directory a send-files handler created
	// for this session. The handler removes that directory itself on
	// failure; nothing else reads this field.
	staging string
}

// Negotiate runs C5: read the client's proposed version byte and reply
// with supported/obsolete/unknown, fixing the session version. Version
// 0 is reserved for tests and short-circuits with no further I/O.
func Negotiate(sock *socket.Socket, minV, maxV int) (version int, ok bool, err error) {
	var vb [1]byte
	if err = sock.ReadExact(vb[:]); err != nil {
		return 0, false, err
	}
	v := int(vb[0])

	if v == 0 {
		return 0, true, nil
	}

	switch {
	case v < minV:
		if werr := sock.WriteExact([]byte{VersionObsolete}); werr != nil {
			return 0, false, werr
		}
		return 0, false, nil

	case v <= maxV:
		if werr := sock.WriteExact([]byte{VersionSupported}); werr != nil {
			return 0, false, werr
		}
		return v, true, nil

	default:
		if werr := sock.WriteExact([]byte{VersionUnknown, byte(maxV)}); werr != nil {
			return 0, false, werr
		}
		var vb2 [1]byte
		if err = sock.ReadExact(vb2[:]); err != nil {
			return 0, false, err
		}
		if int(vb2[0]) != maxV {
			return 0, false, nil
		}
		return maxV, true, nil
	}
}

// Serve runs C6/C7: read the method byte, check its enable flag, and
// dispatch to the version-specific handler. It owns the full session
// lifecycle and always leaves the socket closed on return.
func Serve(sess *Session) {
	var mb [1]byte
	if err := sess.Sock.ReadExact(mb[:]); err != nil {
		sess.Sock.Close(socket.CloseImmediateNoShutdown)
		return
	}
	method := mb[0]

	if !sess.methodEnabled(method) {
		sess.Sock.WriteExact([]byte{StatusMethodNotImplemented})
		sess.Sock.Close(socket.CloseImmediate)
		return
	}

	handler, ok := sess.lookup(method)
	if !ok {
		sess.Sock.WriteExact([]byte{StatusUnknownMethod})
		sess.Sock.Close(socket.CloseImmediate)
		return
	}

	if err := handler(sess); err != nil {
		if sess.Log != nil {
			sess.Log.Debug("session ended with error", log.KVErr(err), log.KV("method", method))
		}
		sess.Sock.Close(socket.CloseImmediateNoShutdown)
		return
	}
	sess.Sock.Close(socket.CloseWaitPeerEOF)
}

func (s *Session) methodEnabled(method byte) bool {
	me := s.Cfg.MethodEnabled
	switch method {
	case MethodGetText:
		return me.GetText
	case MethodSendText:
		return me.SendText
	case MethodGetFiles:
		return me.GetFiles
	case MethodSendFiles:
		return me.SendFiles
	case MethodGetImage:
		return me.GetImage
	case MethodGetCopiedImage:
		return me.GetCopiedImage
	case MethodGetScreenshot:
		return me.GetScreenshot
	case MethodInfo:
		return me.Info
	default:
		// Unknown methods are not gated by the enable table; they fall
		// through to StatusUnknownMethod in Serve's lookup step.
		return true
	}
}

type handlerFunc func(*Session) error

// lookup is the table-driven method/version dispatch called out by the
// redesign notes: per-method capability is a small table indexed by
// method byte and negotiated version, replacing the original's
// preprocessor-gated version_1/2/3 functions.
func (s *Session) lookup(method byte) (handlerFunc, bool) {
	switch method {
	case MethodGetText:
		return handleGetText, true
	case MethodSendText:
		return handleSendText, true
	case MethodInfo:
		return handleInfo, true
	case MethodGetImage:
		return handleGetImage, true
	case MethodGetFiles:
		switch {
		case s.Version <= 1:
			return handleGetFilesV1, true
		case s.Version == 2:
			return handleGetFilesV2, true
		default:
			return handleGetFilesV3, true
		}
	case MethodSendFiles:
		switch {
		case s.Version <= 1:
			return handleSendFileV1, true
		default:
			return handleSendFilesTree, true
		}
	case MethodGetCopiedImage:
		if s.Version < 3 {
			return nil, false
		}
		return handleGetCopiedImage, true
	case MethodGetScreenshot:
		if s.Version < 3 {
			return nil, false
		}
		return handleGetScreenshot, true
	default:
		return nil, false
	}
}
