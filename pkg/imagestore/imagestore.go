// Package imagestore provides persistent, content-addressed storage for
// program images.
//
// An image is a program descriptor encoded as canonical CBOR. Its ID is the
// BLAKE3 hash of that encoding, so storing the same program twice yields
// the same ID. Values are zstd-compressed in a BoltDB bucket keyed by ID.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/green/proc"
)

var (
	// ErrImageNotFound is returned when an image doesn't exist.
	ErrImageNotFound = errors.New("image not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("image store closed")

	// ErrCorrupt is returned when a stored image fails verification.
	ErrCorrupt = errors.New("image corrupt")
)

// Bucket names.
var (
	bucketImages = []byte("images")
	bucketInfo   = []byte("info")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("imagestore: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Config configures a Store.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync skips fsync after each write.
	NoSync bool

	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// image is the stored form of a program.
type image struct {
	Name      string            `cbor:"1,keyasint"`
	InitCode  uint64            `cbor:"2,keyasint"`
	MainCode  uint64            `cbor:"3,keyasint"`
	FiniCode  uint64            `cbor:"4,keyasint"`
	Text      []uint64          `cbor:"5,keyasint"`
	RO        []byte            `cbor:"6,keyasint"`
	Functions map[uint32]uint64 `cbor:"7,keyasint"`
}

// Info describes a stored image.
type Info struct {
	ID           types.ImageID `cbor:"-"`
	Name         string        `cbor:"1,keyasint"`
	Instructions int           `cbor:"2,keyasint"`
	Size         int           `cbor:"3,keyasint"` // compressed bytes
	Added        int64         `cbor:"4,keyasint"` // unix nanoseconds
}

// AddedAt returns the time the image was first stored.
func (i Info) AddedAt() time.Time {
	return time.Unix(0, i.Added)
}

func fromProgram(p *proc.Program) *image {
	return &image{
		Name:      p.Name,
		InitCode:  p.InitCode,
		MainCode:  p.MainCode,
		FiniCode:  p.FiniCode,
		Text:      p.Text,
		RO:        p.RO,
		Functions: p.Functions,
	}
}

func (img *image) program() *proc.Program {
	return &proc.Program{
		Name:      img.Name,
		InitCode:  img.InitCode,
		MainCode:  img.MainCode,
		FiniCode:  img.FiniCode,
		Text:      img.Text,
		RO:        img.RO,
		Functions: img.Functions,
	}
}

// Encode returns the canonical encoding of p and its image ID.
func Encode(p *proc.Program) ([]byte, types.ImageID, error) {
	data, err := encMode.Marshal(fromProgram(p))
	if err != nil {
		return nil, types.ImageID{}, fmt.Errorf("encode image: %w", err)
	}
	return data, types.ImageID(blake3.Sum256(data)), nil
}

// Store is a BoltDB-backed image store.
type Store struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens an image store.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketImages, bucketInfo} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Put stores p and returns its ID. Storing an image that already exists
// is a no-op.
func (s *Store) Put(p *proc.Program) (types.ImageID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ImageID{}, ErrClosed
	}

	data, id, err := Encode(p)
	if err != nil {
		return id, err
	}
	compressed := s.enc.EncodeAll(data, nil)

	info := Info{
		Name:         p.Name,
		Instructions: len(p.Text),
		Size:         len(compressed),
		Added:        time.Now().UnixNano(),
	}
	meta, err := encMode.Marshal(&info)
	if err != nil {
		return id, fmt.Errorf("encode info: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) != nil {
			return nil
		}
		if err := images.Put(id[:], compressed); err != nil {
			return err
		}
		return tx.Bucket(bucketInfo).Put(id[:], meta)
	})
	if err != nil {
		return id, fmt.Errorf("put image %s: %w", id, err)
	}
	return id, nil
}

// Get loads the image with the given ID.
func (s *Store) Get(id types.ImageID) (*proc.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id[:])
		if v == nil {
			return ErrImageNotFound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, id)
	}

	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrCorrupt, id, err)
	}
	if types.ImageID(blake3.Sum256(data)) != id {
		return nil, fmt.Errorf("%w: %s: hash mismatch", ErrCorrupt, id)
	}

	var img image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return img.program(), nil
}

// Has reports whether the image exists.
func (s *Store) Has(id types.ImageID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketImages).Get(id[:]) != nil
		return nil
	})
	return found, err
}

// List returns every stored image, oldest first.
func (s *Store) List() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var infos []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInfo).ForEach(func(k, v []byte) error {
			var info Info
			if err := cbor.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("%w: info %x: %v", ErrCorrupt, k, err)
			}
			id, err := types.ImageIDFromBytes(k)
			if err != nil {
				return err
			}
			info.ID = id
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Added != infos[j].Added {
			return infos[i].Added < infos[j].Added
		}
		return bytes.Compare(infos[i].ID[:], infos[j].ID[:]) < 0
	})
	return infos, nil
}

// Delete removes an image.
func (s *Store) Delete(id types.ImageID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrImageNotFound, id)
		}
		if err := images.Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketInfo).Delete(id[:])
	})
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
