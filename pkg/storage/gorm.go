package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/shipyard/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore implements Store on a relational database through gorm
type SQLStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to PostgreSQL and migrates the schema
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm connection and migrates the schema
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&types.UploadedImage{}, &types.DockerImage{}, &types.Container{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// One active record per runtime image.
	if db.Dialector.Name() == "postgres" {
		err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_docker_images_active_runtime_id
			ON docker_images (runtime_id) WHERE is_active`).Error
		if err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &SQLStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection
func (s *SQLStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func notFound(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func (s *SQLStore) insert(id string, v any) error {
	err := s.db.Create(v).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	return err
}

// swap updates every column of v where id and version match. model is an
// empty value of v's type.
func (s *SQLStore) swap(model any, id string, expected int64, v any) error {
	res := s.db.Model(model).
		Where("id = ? AND version = ?", id, expected).
		Select("*").
		Updates(v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s, have %d", ErrVersionConflict, id, expected)
}

func (s *SQLStore) remove(model any, id string) error {
	res := s.db.Delete(model, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Uploaded image operations
func (s *SQLStore) CreateUploadedImage(img *types.UploadedImage) error {
	img.Version = 1
	return s.insert(img.ID, img)
}

func (s *SQLStore) GetUploadedImage(id string) (*types.UploadedImage, error) {
	var img types.UploadedImage
	if err := s.db.First(&img, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &img, nil
}

func (s *SQLStore) ListUploadedImages() ([]*types.UploadedImage, error) {
	var images []*types.UploadedImage
	err := s.db.Order("created_at").Find(&images).Error
	return images, err
}

func (s *SQLStore) UpdateUploadedImage(img *types.UploadedImage) error {
	expected := img.Version
	img.Version = expected + 1
	if err := s.swap(&types.UploadedImage{}, img.ID, expected, img); err != nil {
		img.Version = expected
		return err
	}
	return nil
}

func (s *SQLStore) DeleteUploadedImage(id string) error {
	return s.remove(&types.UploadedImage{}, id)
}

// Docker image operations
func (s *SQLStore) CreateDockerImage(img *types.DockerImage) error {
	img.Version = 1
	return s.insert(img.ID, img)
}

func (s *SQLStore) GetDockerImage(id string) (*types.DockerImage, error) {
	var img types.DockerImage
	if err := s.db.First(&img, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &img, nil
}

func (s *SQLStore) GetActiveDockerImageByRuntimeID(runtimeID string) (*types.DockerImage, error) {
	var img types.DockerImage
	err := s.db.First(&img, "runtime_id = ? AND is_active = ?", runtimeID, true).Error
	if err != nil {
		return nil, notFound(err, "runtime image "+runtimeID)
	}
	return &img, nil
}

func (s *SQLStore) ListDockerImages() ([]*types.DockerImage, error) {
	var images []*types.DockerImage
	err := s.db.Order("created_at").Find(&images).Error
	return images, err
}

func (s *SQLStore) UpdateDockerImage(img *types.DockerImage) error {
	expected := img.Version
	img.Version = expected + 1
	if err := s.swap(&types.DockerImage{}, img.ID, expected, img); err != nil {
		img.Version = expected
		return err
	}
	return nil
}

func (s *SQLStore) DeleteDockerImage(id string) error {
	return s.remove(&types.DockerImage{}, id)
}

// Container operations
func (s *SQLStore) CreateContainer(c *types.Container) error {
	c.Version = 1
	return s.insert(c.ID, c)
}

func (s *SQLStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	if err := s.db.First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &c, nil
}

func (s *SQLStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.Order("created_at").Find(&containers).Error
	return containers, err
}

func (s *SQLStore) UpdateContainer(c *types.Container) error {
	expected := c.Version
	c.Version = expected + 1
	if err := s.swap(&types.Container{}, c.ID, expected, c); err != nil {
		c.Version = expected
		return err
	}
	return nil
}
