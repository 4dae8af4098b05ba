package imagestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewAzureStore(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
		errContains      string
	}{
		{
			name:          "empty connection string",
			containerName: "graphs",
			logger:        logger,
			errContains:   "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: testConnectionString,
			logger:           logger,
			errContains:      "container name is required",
		},
		{
			name:             "nil logger",
			connectionString: testConnectionString,
			containerName:    "graphs",
			errContains:      "logger is required",
		},
		{
			name:             "missing key",
			connectionString: "AccountName=test",
			containerName:    "graphs",
			logger:           logger,
			errContains:      "account name and key are required",
		},
		{
			name:             "azurite over http",
			connectionString: testConnectionString,
			containerName:    "graphs",
			logger:           logger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAzureStore(tt.connectionString, tt.containerName, tt.logger)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Nil(t, s)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "graphs", s.Container())
			assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", s.serviceURL)
		})
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString(" AccountName=acct ; AccountKey=a2V5==;;bogus;=x;BlobEndpoint=http://h:1/acct ")
	assert.Equal(t, map[string]string{
		"AccountName":  "acct",
		"AccountKey":   "a2V5==",
		"BlobEndpoint": "http://h:1/acct",
	}, params)
}

func TestExtractBlobPath(t *testing.T) {
	s, err := NewAzureStore(testConnectionString, "graphs", zap.NewNop())
	require.NoError(t, err)

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "site/a.bin", want: "site/a.bin"},
		{ref: "/graphs/site/a.bin", want: "site/a.bin"},
		{ref: "http://127.0.0.1:10000/devstoreaccount1/graphs/site/a.bin?sv=1", want: "site/a.bin"},
		{ref: "https://other.example/graphs/b%20c.bin", want: "b c.bin"},
		{ref: "  ", wantErr: true},
		{ref: "/graphs/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := s.extractBlobPath(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
