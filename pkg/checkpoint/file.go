package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/ssargent/sapling/pkg/dberr"
)

const (
	imageName  = "sapling.img"
	digestExt  = ".b3"
	pendingExt = ".new"
	compressed = ".xz"
)

// FileStore keeps a single image file in a directory, optionally xz
// compressed, with a blake3 digest of the file contents beside it
type FileStore struct {
	dir      string
	compress bool
}

// NewFileStore returns a store rooted at dir, creating it if needed
func NewFileStore(dir string, compress bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, compress: compress}, nil
}

// Path is the image file location
func (s *FileStore) Path() string {
	name := imageName
	if s.compress {
		name += compressed
	}
	return filepath.Join(s.dir, name)
}

func (s *FileStore) digestPath() string {
	return s.Path() + digestExt
}

// pendingPath holds the digest of an image that may not be installed yet
func (s *FileStore) pendingPath() string {
	return s.digestPath() + pendingExt
}

// Exists reports whether an image has been saved
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Save checkpoints img into the image file and returns the hex digest
func (s *FileStore) Save(img Image) (string, error) {
	tmp, err := os.CreateTemp(s.dir, imageName+".tmp*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := blake3.New()
	bw := bufio.NewWriter(io.MultiWriter(tmp, h))
	if err := s.encode(img, bw); err != nil {
		tmp.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// digest first under the pending name, then the image, then the digest:
	// after a crash at any step one of the two sidecars matches the image
	digest := hex.EncodeToString(h.Sum(nil))
	if err := writeSynced(s.pendingPath(), []byte(digest+"\n")); err != nil {
		return "", fmt.Errorf("failed to write digest: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return "", fmt.Errorf("failed to install image: %w", err)
	}
	if err := os.Rename(s.pendingPath(), s.digestPath()); err != nil {
		return "", fmt.Errorf("failed to install digest: %w", err)
	}
	return digest, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func digestMatches(path, digest string) bool {
	want, err := os.ReadFile(path)
	return err == nil && strings.TrimSpace(string(want)) == digest
}

func (s *FileStore) encode(img Image, w io.Writer) error {
	if !s.compress {
		return img.Checkpoint(w)
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if err := img.Checkpoint(xw); err != nil {
		xw.Close()
		return err
	}
	return xw.Close()
}

// Load verifies the image digest and restores it into img. A missing image
// is ErrNotFound, a digest mismatch ErrCorrupt. An image left by an
// interrupted Save is accepted when it matches the pending digest.
func (s *FileStore) Load(img Image) error {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return dberr.New(dberr.NotFound, "no checkpoint at %s", s.Path())
	}
	if err != nil {
		return err
	}
	sum := blake3.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !digestMatches(s.digestPath(), got) {
		if !digestMatches(s.pendingPath(), got) {
			return dberr.New(dberr.Corrupt, "checkpoint digest mismatch: %s", got)
		}
		// the last save stopped between installing the image and its digest
		if err := os.Rename(s.pendingPath(), s.digestPath()); err != nil {
			return fmt.Errorf("failed to install digest: %w", err)
		}
	}

	var r io.Reader = bytes.NewReader(data)
	if s.compress {
		xr, err := xz.NewReader(r)
		if err != nil {
			return dberr.New(dberr.Parse, "failed to create xz reader: %v", err)
		}
		r = xr
	}
	return img.Restore(r)
}
