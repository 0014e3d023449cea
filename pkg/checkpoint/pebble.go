package checkpoint

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/ksuid"

	"github.com/ssargent/sapling/pkg/dberr"
)

var (
	imagePrefix = []byte("img/")
	latestKey   = []byte("latest")
)

// PebbleStore keeps a catalog of checkpoint images in a pebble database,
// keyed by ksuid so images sort by creation time
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates a catalog at path
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func imageKey(id ksuid.KSUID) []byte {
	return append(append([]byte{}, imagePrefix...), id.Bytes()...)
}

// Save checkpoints img and records it as the latest image
func (s *PebbleStore) Save(img Image) (ksuid.KSUID, error) {
	var buf bytes.Buffer
	if err := img.Checkpoint(&buf); err != nil {
		return ksuid.Nil, err
	}

	id := ksuid.New()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(imageKey(id), buf.Bytes(), nil); err != nil {
		return ksuid.Nil, err
	}
	if err := b.Set(latestKey, id.Bytes(), nil); err != nil {
		return ksuid.Nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return ksuid.Nil, err
	}
	return id, nil
}

// Read returns a copy of the stored image
func (s *PebbleStore) Read(id ksuid.KSUID) ([]byte, error) {
	return s.get(imageKey(id))
}

// Latest returns the id of the most recently saved image
func (s *PebbleStore) Latest() (ksuid.KSUID, error) {
	raw, err := s.get(latestKey)
	if err != nil {
		return ksuid.Nil, err
	}
	return ksuid.FromBytes(raw)
}

// Restore loads image id into img
func (s *PebbleStore) Restore(img Image, id ksuid.KSUID) error {
	data, err := s.Read(id)
	if err != nil {
		return err
	}
	return img.Restore(bytes.NewReader(data))
}

// RestoreLatest loads the most recent image into img
func (s *PebbleStore) RestoreLatest(img Image) (ksuid.KSUID, error) {
	id, err := s.Latest()
	if err != nil {
		return ksuid.Nil, err
	}
	return id, s.Restore(img, id)
}

// Delete removes an image. The latest pointer is left alone.
func (s *PebbleStore) Delete(id ksuid.KSUID) error {
	return s.db.Delete(imageKey(id), pebble.NoSync)
}

// Close closes the catalog
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, dberr.New(dberr.NotFound, "checkpoint %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return bytes.Clone(data), nil
}
