// Package imagestore fetches graph images and stores runtime artifacts such
// as snapshots, either on the local file system or in Azure Blob Storage.
package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// AzureScheme prefixes blob locations: azblob://<container>/<path>.
const AzureScheme = "azblob://"

// Store reads and writes named blobs.
type Store interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte, metadata map[string]string) (string, error)
}

// Load fetches an image blob and loads it.
func Load(ctx context.Context, s Store, name string, logger *zap.Logger, opts ...graph.LoadOption) (*graph.Image, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	blob, err := s.Fetch(ctx, name)
	if err != nil {
		return nil, rterrors.NewError(rterrors.CodeIO, "fetch graph image "+name, err)
	}
	img, err := graph.Load(blob, opts...)
	if err != nil {
		logger.Error("Graph image rejected", zap.String("image", name), zap.Error(err))
		return nil, err
	}
	logger.Info("Graph image loaded",
		zap.String("image", name),
		zap.Int("bytes", len(blob)),
		zap.Int("nodes", len(img.Nodes)),
		zap.Int("arcs", len(img.Arcs)),
		zap.Stringer("relocation", img.Header.Relocation))
	return img, nil
}

// Resolve picks the store for a location and returns the name to use with it.
// azblob:// locations need an Azure connection string; anything else is a
// file path.
func Resolve(location, connectionString string, logger *zap.Logger) (Store, string, error) {
	if !strings.HasPrefix(location, AzureScheme) {
		return FileStore{}, location, nil
	}
	rest := strings.TrimPrefix(location, AzureScheme)
	container, name, ok := strings.Cut(rest, "/")
	if !ok || container == "" || name == "" {
		return nil, "", rterrors.NewError(rterrors.CodeConfiguration,
			fmt.Sprintf("blob location %q must be %s<container>/<path>", location, AzureScheme), rterrors.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := NewAzureStore(connectionString, container, logger)
	if err != nil {
		return nil, "", err
	}
	return s, name, nil
}

// FileStore keeps blobs as files. Relative names are taken relative to Root.
type FileStore struct {
	Root string
}

func (f FileStore) path(name string) string {
	if filepath.IsAbs(name) || f.Root == "" {
		return name
	}
	return filepath.Join(f.Root, name)
}

// Fetch reads a file.
func (f FileStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.path(name))
}

// Put writes a file, creating its directory. Metadata is not kept.
func (f FileStore) Put(ctx context.Context, name string, data []byte, _ map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := f.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

var _ Store = FileStore{}
