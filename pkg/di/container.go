// Package di provides dependency injection container
package di

import (
	"github.com/ssargent/sapling/pkg/api" //nolint:depguard
	"github.com/ssargent/sapling/pkg/checkpoint"
)

// ImageStore keeps the database image the CLI works against
type ImageStore interface {
	Save(img checkpoint.Image) (string, error)
	Load(img checkpoint.Image) error
	Exists() bool
	Path() string
}

// StoreFactory opens the image store for a data directory
type StoreFactory func(dataDir string, compress bool) (ImageStore, error)

// Container holds all the dependencies for the application
type Container struct {
	storeFactory  StoreFactory
	serverFactory api.ServerFactory
}

// NewContainer creates a new dependency injection container
func NewContainer() *Container {
	return &Container{
		storeFactory: func(dataDir string, compress bool) (ImageStore, error) {
			return checkpoint.NewFileStore(dataDir, compress)
		},
		serverFactory: api.NewServerFactory(),
	}
}

// GetStoreFactory returns the image store factory
func (c *Container) GetStoreFactory() StoreFactory {
	return c.storeFactory
}

// GetServerFactory returns the server factory
func (c *Container) GetServerFactory() api.ServerFactory {
	return c.serverFactory
}

// SetStoreFactory allows overriding the image store factory (for testing)
func (c *Container) SetStoreFactory(factory StoreFactory) {
	c.storeFactory = factory
}

// SetServerFactory allows overriding the server factory (for testing)
func (c *Container) SetServerFactory(factory api.ServerFactory) {
	c.serverFactory = factory
}
