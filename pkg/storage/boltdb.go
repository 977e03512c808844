package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/shipyard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUploadedImages = []byte("uploaded_images")
	bucketDockerImages   = []byte("docker_images")
	bucketContainers     = []byte("containers")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shipyard.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUploadedImages, bucketDockerImages, bucketContainers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Backup writes a consistent snapshot of the database to path
func (s *BoltStore) Backup(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still readable
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContainers) == nil {
			return fmt.Errorf("bucket %s missing", bucketContainers)
		}
		return nil
	})
}

// insert writes a new record, refusing to overwrite an existing id
func (s *BoltStore) insert(bucket []byte, id string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, id)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// swap replaces a record if its stored version matches expected. bump is
// called inside the transaction just before the record is serialized.
func (s *BoltStore) swap(bucket []byte, id string, expected int64, v any, bump func()) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		var current struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != expected {
			return fmt.Errorf("%w: %s at version %d, have %d", ErrVersionConflict, id, current.Version, expected)
		}

		bump()
		next, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), next)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) remove(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Uploaded image operations
func (s *BoltStore) CreateUploadedImage(img *types.UploadedImage) error {
	img.Version = 1
	return s.insert(bucketUploadedImages, img.ID, img)
}

func (s *BoltStore) GetUploadedImage(id string) (*types.UploadedImage, error) {
	var img types.UploadedImage
	if err := s.get(bucketUploadedImages, id, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListUploadedImages() ([]*types.UploadedImage, error) {
	var images []*types.UploadedImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploadedImages).ForEach(func(k, v []byte) error {
			var img types.UploadedImage
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			images = append(images, &img)
			return nil
		})
	})
	sort.Slice(images, func(i, j int) bool { return images[i].CreatedAt.Before(images[j].CreatedAt) })
	return images, err
}

func (s *BoltStore) UpdateUploadedImage(img *types.UploadedImage) error {
	expected := img.Version
	err := s.swap(bucketUploadedImages, img.ID, expected, img, func() { img.Version = expected + 1 })
	if err != nil {
		img.Version = expected
	}
	return err
}

func (s *BoltStore) DeleteUploadedImage(id string) error {
	return s.remove(bucketUploadedImages, id)
}

// Docker image operations
func (s *BoltStore) CreateDockerImage(img *types.DockerImage) error {
	img.Version = 1
	return s.insert(bucketDockerImages, img.ID, img)
}

func (s *BoltStore) GetDockerImage(id string) (*types.DockerImage, error) {
	var img types.DockerImage
	if err := s.get(bucketDockerImages, id, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) GetActiveDockerImageByRuntimeID(runtimeID string) (*types.DockerImage, error) {
	images, err := s.ListDockerImages()
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if img.IsActive && img.RuntimeID == runtimeID {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: runtime image %s", ErrNotFound, runtimeID)
}

func (s *BoltStore) ListDockerImages() ([]*types.DockerImage, error) {
	var images []*types.DockerImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDockerImages).ForEach(func(k, v []byte) error {
			var img types.DockerImage
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			images = append(images, &img)
			return nil
		})
	})
	sort.Slice(images, func(i, j int) bool { return images[i].CreatedAt.Before(images[j].CreatedAt) })
	return images, err
}

func (s *BoltStore) UpdateDockerImage(img *types.DockerImage) error {
	expected := img.Version
	err := s.swap(bucketDockerImages, img.ID, expected, img, func() { img.Version = expected + 1 })
	if err != nil {
		img.Version = expected
	}
	return err
}

func (s *BoltStore) DeleteDockerImage(id string) error {
	return s.remove(bucketDockerImages, id)
}

// Container operations
func (s *BoltStore) CreateContainer(c *types.Container) error {
	c.Version = 1
	return s.insert(bucketContainers, c.ID, c)
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	sort.Slice(containers, func(i, j int) bool { return containers[i].CreatedAt.Before(containers[j].CreatedAt) })
	return containers, err
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	expected := c.Version
	err := s.swap(bucketContainers, c.ID, expected, c, func() { c.Version = expected + 1 })
	if err != nil {
		c.Version = expected
	}
	return err
}
