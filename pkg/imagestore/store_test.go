package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

const testConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1"

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := FileStore{Root: t.TempDir()}

	path, err := s.Put(ctx, "snapshots/run-1.cbor", []byte{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root, "snapshots", "run-1.cbor"), path)

	data, err := s.Fetch(ctx, "snapshots/run-1.cbor")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// Absolute names ignore the root.
	data, err = s.Fetch(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = s.Fetch(ctx, "missing.bin")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FileStore{Root: t.TempDir()}.Fetch(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = FileStore{Root: t.TempDir()}.Put(ctx, "x", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	s := FileStore{Root: t.TempDir()}

	b := graph.NewBuilder().Control(graph.ReturnAfterPass)
	b.AddNode(graph.NodeRecord{Kind: 2})
	blob, err := b.Build()
	require.NoError(t, err)
	_, err = s.Put(ctx, "graph.bin", blob, nil)
	require.NoError(t, err)

	img, err := Load(ctx, s, "graph.bin", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, img.Nodes, 1)
	assert.Equal(t, graph.ReturnAfterPass, img.Header.Control&graph.ReturnAfterPass)

	_, err = Load(ctx, s, "absent.bin", nil)
	assert.Equal(t, rterrors.CodeIO, rterrors.CategorizeError(err))

	_, err = s.Put(ctx, "broken.bin", []byte{1, 2, 3}, nil)
	require.NoError(t, err)
	_, err = Load(ctx, s, "broken.bin", nil)
	assert.True(t, rterrors.IsMalformed(err))
}

func TestResolve(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name        string
		location    string
		connection  string
		wantName    string
		wantAzure   bool
		errContains string
	}{
		{name: "file path", location: "images/graph.bin", wantName: "images/graph.bin"},
		{name: "blob", location: "azblob://graphs/site/a.bin", connection: testConnectionString, wantName: "site/a.bin", wantAzure: true},
		{name: "blob without path", location: "azblob://graphs", connection: testConnectionString, errContains: "must be azblob://"},
		{name: "blob without connection", location: "azblob://graphs/a.bin", errContains: "connection string is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, name, err := Resolve(tt.location, tt.connection, logger)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.ErrorIs(t, err, rterrors.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			_, isAzure := s.(*AzureStore)
			assert.Equal(t, tt.wantAzure, isAzure)
		})
	}
}
