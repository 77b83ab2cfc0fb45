// Package stage implements path-safety validation and the atomic
// staging/promotion dance for inbound file sets: entries stream into a
// hidden temporary directory first, then get renamed one by one into
// the working directory with a collision-avoiding prefix.
package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	// MaxFileNameLen is the on-wire file name length ceiling: 2048 bytes
	// accepted, 2049 rejected.
	MaxFileNameLen = 2048
	maxUniquifier  = 999999
)

var (
	ErrInvalidName   = errors.New("stage: invalid file name")
	ErrParentEscape  = errors.New("stage: path escapes working directory")
	ErrUniquifyLimit = errors.New("stage: exhausted uniquifier range")
	ErrNotDirectory  = errors.New("stage: ancestor exists and is not a directory")
)

// IsValidName reports whether s is valid UTF-8, non-empty, and contains
// no byte < 0x20 (control bytes, including the ones TCP framing would
// otherwise let through unnoticed).
func IsValidName(s string) bool {
	if s == "" || len(s) > MaxFileNameLen {
		return false
	}
	if !utf8.ValidString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 {
			return false
		}
	}
	return true
}

// ToNativePath replaces '/' (the wire separator) with the platform
// separator, rejects "//", and reports whether the trailing separator
// denotes a directory entry (which is then stripped).
func ToNativePath(s string) (path string, isDir bool, err error) {
	if s == "" {
		return "", false, ErrInvalidName
	}
	if strings.Contains(s, "//") {
		return "", false, fmt.Errorf("%w: repeated separator", ErrInvalidName)
	}
	if strings.HasSuffix(s, "/") {
		isDir = true
		s = strings.TrimSuffix(s, "/")
		if s == "" {
			return "", false, ErrInvalidName
		}
	}
	if filepath.Separator != '/' {
		s = strings.ReplaceAll(s, "/", string(filepath.Separator))
	}
	return s, isDir, nil
}

// ContainsParentEscape reports whether p contains a "<sep>..<sep>"
// component anywhere, including leading/trailing.
func ContainsParentEscape(p string) bool {
	sep := string(filepath.Separator)
	padded := sep + p + sep
	return strings.Contains(padded, sep+".."+sep)
}

// Mkdirs creates all missing ancestors of p, refusing if an existing
// ancestor is not a directory. It never deletes anything.
func Mkdirs(p string) error {
	fi, err := os.Stat(p)
	if err == nil {
		if !fi.IsDir() {
			return ErrNotDirectory
		}
		return nil
	}
	if !os.IsNotExist(err) {
		if errors.Is(err, syscall.ENOTDIR) {
			return ErrNotDirectory
		}
		return err
	}
	return os.MkdirAll(p, 0750)
}

// lockFileName is the advisory lock clipshared holds over a working
// directory while it picks a uniquified name and renames a file into
// place, so two concurrent sessions (or a second clipshared instance
// pointed at the same directory) can't both observe the same free name
// and race each other's rename.
const lockFileName = ".clipshare.lock"

// LockWorkDir acquires an advisory, process-wide file lock scoped to
// dir and returns a function that releases it. Callers must hold it
// across the full Uniquify-then-rename sequence, not just the stat.
func LockWorkDir(dir string) (unlock func(), err error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return func() { fl.Unlock() }, nil
}

// Uniquify returns a name not currently present in dir: base, then
// "1_base", "2_base", ... up to "999999_base". protectName, if non-empty,
// is additionally avoided on the very first (bare) try — used to keep
// inbound transfers from silently shadowing the daemon's own config file.
func Uniquify(dir, base, protectName string) (string, error) {
	try := func(n int) string {
		if n == 0 {
			return base
		}
		return strconv.Itoa(n) + "_" + base
	}
	start := 0
	if protectName != "" && base == protectName {
		start = 1
	}
	for n := start; n <= maxUniquifier; n++ {
		name := try(n)
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name, nil
		}
	}
	return "", ErrUniquifyLimit
}

// New creates a fresh hidden staging directory ".<random-hex>" under
// root, drawing a new name (up to 16 attempts) while the candidate
// already exists. The directory is removed by Promote (on success) or
// Cleanup (on failure).
func New(root string) (dir string, err error) {
	for attempt := 0; attempt < 16; attempt++ {
		name := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
		candidate := filepath.Join(root, "."+name)
		if err := os.Mkdir(candidate, 0750); err == nil {
			return candidate, nil
		} else if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("stage: failed to allocate a staging directory after 16 attempts")
}

// Cleanup removes a staging directory and everything still in it, used
// when a batch fails partway through.
func Cleanup(dir string) error {
	return os.RemoveAll(dir)
}

// WriteFile streams exactly n bytes from r into a new file at path,
// atomically: on any read/write failure the partial file is discarded
// rather than left truncated in place.
func WriteFile(path string, n int64, r io.Reader) error {
	f, err := safefile.Create(path, 0640)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, n); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Commit(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// Promote walks the top-level entries of a staging directory and renames
// each into workDir with a collision-avoiding uniquified name. Unless
// workDir has been explicitly overridden, an entry named confName never
// lands under its bare name; it gets the "1_" (or a higher) prefix
// instead. It removes the
// staging directory last, and only on full success.
func Promote(stagingDir, workDir, confName string, workDirOverridden bool) ([]string, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, err
	}

	unlock, err := LockWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	protect := confName
	if workDirOverridden {
		protect = ""
	}

	var promoted []string
	for _, e := range entries {
		oldPath := filepath.Join(stagingDir, e.Name())
		newName, err := Uniquify(workDir, e.Name(), protect)
		if err != nil {
			return promoted, err
		}
		newPath := filepath.Join(workDir, newName)

		// Both files and directories promote with a plain rename: the
		// content was already written in full under stagingDir (via
		// WriteFile, above), and stagingDir/workDir share a filesystem,
		// so os.Rename is already atomic — no temp-file dance needed.
		if err := os.Rename(oldPath, newPath); err != nil {
			return promoted, err
		}
		promoted = append(promoted, newPath)
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return promoted, err
	}
	return promoted, nil
}
