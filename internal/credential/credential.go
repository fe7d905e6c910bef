package credential

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/snapexpense/snapexpense/internal/provider"
)

// ErrNoCredential is returned when no API key is stored for a provider.
var ErrNoCredential = fmt.Errorf("no credential stored")

// Store provides read-only access to provider API keys. The pipeline
// never writes credentials.
type Store interface {
	// Get returns the API key for the given provider id
	Get(providerID string) (string, error)
}

// envVars maps provider ids to the conventional environment variables
// that override the credentials file.
var envVars = map[string]string{
	provider.OpenAI:    "OPENAI_API_KEY",
	provider.Anthropic: "ANTHROPIC_API_KEY",
	provider.Gemini:    "GEMINI_API_KEY",
}

// FileStore reads API keys from a YAML file mapping provider id to key.
// Environment variables take precedence over file entries.
type FileStore struct {
	keys map[string]string
}

// NewFileStore loads a credentials file. A missing file is not an
// error; env vars may still supply keys.
func NewFileStore(path string) (*FileStore, error) {
	keys := make(map[string]string)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading credentials file %s: %w", path, err)
	}
	return &FileStore{keys: keys}, nil
}

// Get returns the API key for a provider, preferring the environment.
func (f *FileStore) Get(providerID string) (string, error) {
	if env, ok := envVars[providerID]; ok {
		if key := os.Getenv(env); key != "" {
			return key, nil
		}
	}
	if key := f.keys[providerID]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoCredential, providerID)
}

// StaticStore holds keys in memory; used for tests and embedding.
type StaticStore map[string]string

// Get returns the API key for a provider.
func (s StaticStore) Get(providerID string) (string, error) {
	if key := s[providerID]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoCredential, providerID)
}
