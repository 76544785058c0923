package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testServerKey = "4b4a9cc325d134dee6679e9407420023531fd7e96c563f6c5d00fd5549b77435"

func validDoc() map[string]any {
	return map[string]any{
		"apiBasePath": "/v1",
		"apiHostname": "localhost",
		"apiPort":     11434,
		"apiProtocol": "http",
		"dataPath":    "/tmp/symmetry",
		"modelName":   "llama3.1:latest",
		"serverKey":   testServerKey,
		"public":      true,
	}
}

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "provider.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFromMapMissingRequiredField(t *testing.T) {
	t.Parallel()

	for _, field := range requiredFields {
		t.Run(field, func(t *testing.T) {
			doc := validDoc()
			delete(doc, field)

			_, err := FromMap(doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingField))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestFromMapValid(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validDoc())
	require.NoError(t, err)
	assert.True(t, cfg.Public)
	assert.Equal(t, 11434, cfg.APIPort)
	assert.Equal(t, "/chat/completions", cfg.APIChatPath)
	assert.True(t, cfg.ReconnectEnabled())
}

func TestLoadZeroPortIsPresent(t *testing.T) {
	t.Parallel()

	doc := validDoc()
	doc["apiPort"] = 0
	cfg, err := Load(writeConfig(t, doc))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/v1", cfg.BaseURL())
}

func TestLoadInvalidServerKey(t *testing.T) {
	t.Parallel()

	doc := validDoc()
	doc["serverKey"] = "abcd"
	_, err := Load(writeConfig(t, doc))
	assert.True(t, errors.Is(err, ErrInvalidServerKey))
}

func TestBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ProviderConfig
		want string
	}{
		{"full", ProviderConfig{APIProtocol: "http", APIHostname: "localhost", APIPort: 11434, APIBasePath: "/v1"}, "http://localhost:11434/v1"},
		{"no port", ProviderConfig{APIProtocol: "https", APIHostname: "api.example.com", APIBasePath: "/v1"}, "https://api.example.com/v1"},
		{"no base path", ProviderConfig{APIProtocol: "http", APIHostname: "127.0.0.1", APIPort: 8080}, "http://127.0.0.1:8080"},
		{"bare", ProviderConfig{APIProtocol: "http", APIHostname: "localhost"}, "http://localhost"},
		{"base path without slash", ProviderConfig{APIProtocol: "http", APIHostname: "localhost", APIPort: 1234, APIBasePath: "v1"}, "http://localhost:1234/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.BaseURL())
		})
	}
}

func TestEnsureUserSecretPersists(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validDoc())
	cfg, err := Load(path)
	require.NoError(t, err)

	created, err := cfg.EnsureUserSecret(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, cfg.UserSecret, 64)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.UserSecret, reloaded.UserSecret)

	created, err = reloaded.EnsureUserSecret(path)
	require.NoError(t, err)
	assert.False(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	cfg, err := FromMap(validDoc())
	require.NoError(t, err)
	cfg.APIKey = "sk-secret"
	cfg.UserSecret = "deadbeef"

	out := cfg.Redacted()
	assert.Empty(t, out.APIKey)
	assert.Empty(t, out.UserSecret)
	assert.Equal(t, "sk-secret", cfg.APIKey)
}
