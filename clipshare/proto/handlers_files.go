package proto

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipshare/clipshare-server/clipshare/clipboard"
	"github.com/clipshare/clipshare-server/clipshare/config"
	"github.com/clipshare/clipshare-server/clipshare/socket"
	"github.com/clipshare/clipshare-server/clipshare/stage"
)

const maxFileNameWireLen = stage.MaxFileNameLen

// --- get-files (outbound: server -> client) ---------------------------

func handleGetFilesV1(s *Session) error { return serveFileList(s, 1) }
func handleGetFilesV2(s *Session) error { return serveFileList(s, 2) }
func handleGetFilesV3(s *Session) error { return serveFileList(s, 3) }

func serveFileList(s *Session, version int) error {
	files, err := s.Backend.GetFiles()
	if err != nil {
		s.Sock.WriteExact([]byte{StatusNoData})
		return s.Sock.Close(socket.CloseImmediateNoShutdown)
	}
	// Directory entries only exist on the wire from v3 onward (as empty
	// markers); below that, drop them before the count check and transfer
	// loop rather than letting a directory's empty AbsPath reach os.Open.
	if version < 3 {
		files = excludeDirs(files)
	}
	if len(files) == 0 || int64(len(files)) > s.Cfg.MaxFileCount {
		s.Sock.WriteExact([]byte{StatusNoData})
		return s.Sock.Close(socket.CloseImmediateNoShutdown)
	}

	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	if err := s.Sock.SendSize(int64(len(files))); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}

	for _, f := range files {
		if err := transferSingleFile(s, version, f); err != nil {
			s.Sock.Close(socket.CloseImmediateNoShutdown)
			return err
		}
	}
	return s.Sock.Close(socket.CloseWaitPeerEOF)
}

// excludeDirs drops directory entries, matching the original's
// get_copied_dirs_files(&x, is_v3) contract: v1/v2 selections never
// include directories, only v3+ transmits them as empty markers.
func excludeDirs(files []clipboard.FileEntry) []clipboard.FileEntry {
	out := files[:0:0]
	for _, f := range files {
		if !f.IsDir {
			out = append(out, f)
		}
	}
	return out
}

func transferSingleFile(s *Session, version int, f clipboard.FileEntry) error {
	name := f.Name
	if version <= 1 {
		// v1 transmits only the basename; subdirectories don't exist
		// on the wire at that protocol level.
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		}
	}

	if version >= 3 && f.IsDir {
		if err := s.Sock.SendSize(int64(len(name))); err != nil {
			return err
		}
		if err := s.Sock.WriteExact([]byte(name)); err != nil {
			return err
		}
		return s.Sock.SendSize(-1)
	}

	fh, err := os.Open(f.AbsPath)
	if err != nil {
		return err
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size < 0 || size > s.Cfg.MaxFileSize {
		return errors.New("proto: file exceeds max_file_size")
	}

	if err := s.Sock.SendSize(int64(len(name))); err != nil {
		return err
	}
	if err := s.Sock.WriteExact([]byte(name)); err != nil {
		return err
	}
	if err := s.Sock.SendSize(size); err != nil {
		return err
	}
	return copyExact(s.Sock, fh, size)
}

func copyExact(sock *socket.Socket, r io.Reader, n int64) error {
	buf := make([]byte, 64*1024)
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		read, err := r.Read(buf[:chunk])
		if read > 0 {
			if werr := sock.WriteExact(buf[:read]); werr != nil {
				return werr
			}
			n -= int64(read)
		}
		if err != nil {
			if err == io.EOF && n == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}

// --- send-file v1 (inbound, single file, no tree) ---------------------

func handleSendFileV1(s *Session) error {
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		return err
	}

	name, err := readWireName(s.Sock)
	if err != nil {
		return err
	}
	// Basename only: strip any directory component, per the v1
	// single-file contract.
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}

	workDir := s.Cfg.WorkingDir
	unlock, err := stage.LockWorkDir(workDir)
	if err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	defer unlock()

	finalName, err := stage.Uniquify(workDir, name, protectedConfName(s))
	if err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	destPath := filepath.Join(workDir, finalName)

	if err := receiveFileBody(s, destPath); err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	s.Sock.Close(socket.CloseImmediateNoShutdown)

	if s.Cfg.CutSentFiles {
		return s.Backend.SetCutFiles([]string{destPath})
	}
	return nil
}

func protectedConfName(s *Session) string {
	if s.Cfg.WorkingDirOverridden {
		return ""
	}
	return config.ConfFileName
}

// --- send-files v2/v3 (inbound tree, staged then promoted) -------------

func handleSendFilesTree(s *Session) error {
	version := s.Version
	if err := s.Sock.WriteExact([]byte{StatusOK}); err != nil {
		return err
	}

	cnt, err := s.Sock.ReadSize()
	if err != nil {
		return err
	}
	if cnt <= 0 || cnt > s.Cfg.MaxFileCount {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return errors.New("proto: send-files count out of range")
	}

	stagingDir, err := stage.New(s.Cfg.WorkingDir)
	if err != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		return err
	}
	s.staging = stagingDir

	var batchErr error
	for i := int64(0); i < cnt; i++ {
		if err := receiveStagedEntry(s, stagingDir, version); err != nil {
			batchErr = err
			break
		}
	}
	// Nothing more is written to the peer after the entries are read, so
	// both the failure and the success path close without the peer-EOF
	// drain.
	if batchErr != nil {
		s.Sock.Close(socket.CloseImmediateNoShutdown)
		stage.Cleanup(stagingDir)
		return batchErr
	}
	s.Sock.Close(socket.CloseImmediateNoShutdown)

	promoted, err := stage.Promote(stagingDir, s.Cfg.WorkingDir, config.ConfFileName, s.Cfg.WorkingDirOverridden)
	if err != nil {
		stage.Cleanup(stagingDir)
		return err
	}
	if s.Cfg.CutSentFiles && len(promoted) > 0 {
		return s.Backend.SetCutFiles(promoted)
	}
	return nil
}

// receiveStagedEntry reads one (name, body) pair and materialises it
// under stagingDir. A body-length of -1 (version >= 3 only) creates a
// directory with no further payload.
func receiveStagedEntry(s *Session, stagingDir string, version int) error {
	name, err := readWireName(s.Sock)
	if err != nil {
		return err
	}

	native, isDirSuffix, err := stage.ToNativePath(name)
	if err != nil {
		return err
	}
	// Checked on the pre-Join relative path: filepath.Join would clean a
	// leading/embedded ".." away before ContainsParentEscape ever saw it.
	if stage.ContainsParentEscape(native) {
		return errors.New("proto: path escapes staging directory")
	}
	destPath := filepath.Join(stagingDir, native)

	if err := stage.Mkdirs(filepath.Dir(destPath)); err != nil {
		return err
	}

	size, err := s.Sock.ReadSize()
	if err != nil {
		return err
	}

	if size == -1 {
		if version < 3 {
			return errors.New("proto: directory marker not supported below v3")
		}
		return stage.Mkdirs(destPath)
	}
	if size < 0 {
		return errors.New("proto: invalid negative size frame")
	}
	if size > s.Cfg.MaxFileSize {
		return errors.New("proto: file exceeds max_file_size")
	}
	if isDirSuffix {
		// A trailing '/' with a real body makes no sense on the wire.
		return errors.New("proto: directory-suffixed name with a file body")
	}

	return writeIncomingBody(s, destPath, size)
}

// receiveFileBody reads its own size frame before writing the body; used
// by send-file v1, where the body-length frame has not been read yet at
// the call site.
func receiveFileBody(s *Session, destPath string) error {
	size, err := s.Sock.ReadSize()
	if err != nil {
		return err
	}
	if size < 0 || size > s.Cfg.MaxFileSize {
		return errors.New("proto: invalid or oversized file body")
	}
	return writeIncomingBody(s, destPath, size)
}

// writeIncomingBody streams exactly size bytes already framed by a prior
// ReadSize call into destPath, refusing to overwrite an existing file.
func writeIncomingBody(s *Session, destPath string, size int64) error {
	if _, err := os.Stat(destPath); err == nil {
		return errors.New("proto: destination already exists")
	}
	return stage.WriteFile(destPath, size, limitedSocketReader{s.Sock})
}

// limitedSocketReader adapts Socket.ReadExact to io.Reader so the
// stage package's streaming writer can consume it with io.CopyN-style
// bounded reads.
type limitedSocketReader struct{ sock *socket.Socket }

func (r limitedSocketReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// ReadExact always fills buf fully or fails; cap a single call at a
	// reasonable chunk so ReadFile/io.CopyN callers see forward progress.
	chunk := len(p)
	if chunk > 64*1024 {
		chunk = 64 * 1024
	}
	if err := r.sock.ReadExact(p[:chunk]); err != nil {
		return 0, err
	}
	return chunk, nil
}

func readWireName(sock *socket.Socket) (string, error) {
	n, err := sock.ReadSize()
	if err != nil {
		return "", err
	}
	if n <= 0 || n > maxFileNameWireLen {
		return "", errors.New("proto: file name length out of range")
	}
	buf := make([]byte, n)
	if err := sock.ReadExact(buf); err != nil {
		return "", err
	}
	name := string(buf)
	if !stage.IsValidName(name) {
		return "", stage.ErrInvalidName
	}
	return name, nil
}
