package proto

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/clipshare/clipshare-server/clipshare/clipboard"
	"github.com/clipshare/clipshare-server/clipshare/config"
	"github.com/clipshare/clipshare-server/clipshare/socket"
)

func newSessionWithWorkDir(t *testing.T, backend clipboard.Backend, workDir string) (sess *Session, client *socket.Socket) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	sess = &Session{
		Sock:    socket.New(c1, 0),
		Version: 3,
		Cfg: &config.Config{
			MaxTextLength: 4096,
			MaxFileCount:  1024,
			MaxFileSize:   1 << 20,
			WorkingDir:    workDir,
		},
		Backend: backend,
	}
	return sess, socket.New(c2, 0)
}

func TestServeFileListSendsOneFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "note.txt")
	body := []byte("staged content")
	if err := os.WriteFile(src, body, 0640); err != nil {
		t.Fatal(err)
	}

	backend := clipboard.NewMemoryBackend()
	backend.SetFiles([]clipboard.FileEntry{{Name: "note.txt", AbsPath: src}})
	sess, client := newSessionWithWorkDir(t, backend, dir)

	errc := make(chan error, 1)
	go func() { errc <- serveFileList(sess, 3) }()

	var status [1]byte
	if err := client.ReadExact(status[:]); err != nil {
		t.Fatalf("ReadExact status: %v", err)
	}
	if status[0] != StatusOK {
		t.Fatalf("status = %d, want StatusOK", status[0])
	}
	count, err := client.ReadSize()
	if err != nil {
		t.Fatalf("ReadSize count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	nameLen, _ := client.ReadSize()
	nameBuf := make([]byte, nameLen)
	client.ReadExact(nameBuf)
	if string(nameBuf) != "note.txt" {
		t.Errorf("name = %q, want %q", nameBuf, "note.txt")
	}
	size, _ := client.ReadSize()
	data := make([]byte, size)
	client.ReadExact(data)
	if string(data) != string(body) {
		t.Errorf("data = %q, want %q", data, body)
	}

	if err := <-errc; err != nil {
		t.Errorf("serveFileList: %v", err)
	}
}

func TestServeFileListNoDataOnEmptySelection(t *testing.T) {
	dir := t.TempDir()
	backend := clipboard.NewMemoryBackend()
	sess, client := newSessionWithWorkDir(t, backend, dir)

	errc := make(chan error, 1)
	go func() { errc <- serveFileList(sess, 3) }()

	var status [1]byte
	if err := client.ReadExact(status[:]); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if status[0] != StatusNoData {
		t.Fatalf("status = %d, want StatusNoData", status[0])
	}
	<-errc
}

func TestServeFileListOmitsDirectoriesBelowV3(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "note.txt")
	body := []byte("staged content")
	if err := os.WriteFile(src, body, 0640); err != nil {
		t.Fatal(err)
	}

	backend := clipboard.NewMemoryBackend()
	backend.SetFiles([]clipboard.FileEntry{
		{Name: "sub", IsDir: true},
		{Name: "note.txt", AbsPath: src},
	})
	sess, client := newSessionWithWorkDir(t, backend, dir)

	errc := make(chan error, 1)
	go func() { errc <- serveFileList(sess, 2) }()

	var status [1]byte
	if err := client.ReadExact(status[:]); err != nil {
		t.Fatalf("ReadExact status: %v", err)
	}
	if status[0] != StatusOK {
		t.Fatalf("status = %d, want StatusOK", status[0])
	}
	count, err := client.ReadSize()
	if err != nil {
		t.Fatalf("ReadSize count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (directory entry must be dropped below v3)", count)
	}

	nameLen, _ := client.ReadSize()
	nameBuf := make([]byte, nameLen)
	client.ReadExact(nameBuf)
	if string(nameBuf) != "note.txt" {
		t.Errorf("name = %q, want %q", nameBuf, "note.txt")
	}
	size, _ := client.ReadSize()
	data := make([]byte, size)
	client.ReadExact(data)

	if err := <-errc; err != nil {
		t.Errorf("serveFileList: %v", err)
	}
}

func TestServeFileListNoDataWhenSelectionIsOnlyDirectoriesBelowV3(t *testing.T) {
	dir := t.TempDir()
	backend := clipboard.NewMemoryBackend()
	backend.SetFiles([]clipboard.FileEntry{{Name: "sub", IsDir: true}})
	sess, client := newSessionWithWorkDir(t, backend, dir)

	errc := make(chan error, 1)
	go func() { errc <- serveFileList(sess, 1) }()

	var status [1]byte
	if err := client.ReadExact(status[:]); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if status[0] != StatusNoData {
		t.Fatalf("status = %d, want StatusNoData", status[0])
	}
	<-errc
}

func TestHandleSendFileV1WritesAndUniquifies(t *testing.T) {
	dir := t.TempDir()
	existing := []byte("already here")
	if err := os.WriteFile(filepath.Join(dir, "incoming.bin"), existing, 0640); err != nil {
		t.Fatal(err)
	}
	backend := clipboard.NewMemoryBackend()
	sess, client := newSessionWithWorkDir(t, backend, dir)

	errc := make(chan error, 1)
	go func() { errc <- handleSendFileV1(sess) }()

	var ack [1]byte
	client.ReadExact(ack[:])
	if ack[0] != StatusOK {
		t.Fatalf("ack = %d, want StatusOK", ack[0])
	}

	name := "incoming.bin"
	client.SendSize(int64(len(name)))
	client.WriteExact([]byte(name))
	body := []byte("file body bytes")
	client.SendSize(int64(len(body)))
	client.WriteExact(body)

	if err := <-errc; err != nil {
		t.Fatalf("handleSendFileV1: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "1_incoming.bin"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("written content = %q, want %q", got, body)
	}
	orig, err := os.ReadFile(filepath.Join(dir, "incoming.bin"))
	if err != nil {
		t.Fatalf("reading pre-existing file: %v", err)
	}
	if string(orig) != string(existing) {
		t.Errorf("pre-existing file was overwritten: got %q", orig)
	}
}

func TestHandleSendFilesTreeWithDirectoryMarker(t *testing.T) {
	dir := t.TempDir()
	backend := clipboard.NewMemoryBackend()
	sess, client := newSessionWithWorkDir(t, backend, dir)
	sess.Version = 3

	errc := make(chan error, 1)
	go func() { errc <- handleSendFilesTree(sess) }()

	var ack [1]byte
	client.ReadExact(ack[:])
	if ack[0] != StatusOK {
		t.Fatalf("ack = %d, want StatusOK", ack[0])
	}

	// Two entries: a directory (size == -1) then a file inside it.
	client.SendSize(2)

	dirName := "sub/"
	client.SendSize(int64(len(dirName)))
	client.WriteExact([]byte(dirName))
	client.SendSize(-1)

	fileName := "sub/leaf.txt"
	client.SendSize(int64(len(fileName)))
	client.WriteExact([]byte(fileName))
	body := []byte("leaf contents")
	client.SendSize(int64(len(body)))
	client.WriteExact(body)

	if err := <-errc; err != nil {
		t.Fatalf("handleSendFilesTree: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "sub", "leaf.txt"))
	if err != nil {
		t.Fatalf("reading promoted leaf file: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("leaf content = %q, want %q", got, body)
	}
}

func TestHandleSendFilesTreeRejectsParentEscape(t *testing.T) {
	dir := t.TempDir()
	backend := clipboard.NewMemoryBackend()
	sess, client := newSessionWithWorkDir(t, backend, dir)
	sess.Version = 3

	errc := make(chan error, 1)
	go func() { errc <- handleSendFilesTree(sess) }()

	var ack [1]byte
	client.ReadExact(ack[:])

	client.SendSize(1)
	name := "../escape.txt"
	client.SendSize(int64(len(name)))
	client.WriteExact([]byte(name))
	body := []byte("x")
	client.SendSize(int64(len(body)))
	client.WriteExact(body)

	if err := <-errc; err == nil {
		t.Errorf("expected handleSendFilesTree to reject a parent-escaping path")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err == nil {
		t.Errorf("parent-escaping entry must not land in the working directory")
	}
}
