// Package config loads and persists the provider configuration file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const userSecretSize = 32

var (
	ErrMissingField     = errors.New("missing required field in client configuration")
	ErrInvalidServerKey = errors.New("serverKey must be 32 bytes of hex")
)

var requiredFields = []string{
	"apiBasePath",
	"apiHostname",
	"apiPort",
	"apiProtocol",
	"dataPath",
	"modelName",
	"serverKey",
}

type ProviderConfig struct {
	APIBasePath           string `yaml:"apiBasePath" json:"apiBasePath"`
	APIChatPath           string `yaml:"apiChatPath,omitempty" json:"apiChatPath,omitempty"`
	APIHealthPath         string `yaml:"apiHealthPath,omitempty" json:"apiHealthPath,omitempty"`
	APIHostname           string `yaml:"apiHostname" json:"apiHostname"`
	APIKey                string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	APIModelsPath         string `yaml:"apiModelsPath,omitempty" json:"apiModelsPath,omitempty"`
	APIPort               int    `yaml:"apiPort" json:"apiPort"`
	APIProtocol           string `yaml:"apiProtocol" json:"apiProtocol"`
	APIProvider           string `yaml:"apiProvider,omitempty" json:"apiProvider,omitempty"`
	DataCollectionEnabled bool   `yaml:"dataCollectionEnabled" json:"dataCollectionEnabled"`
	MaxConnections        int    `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
	ModelName             string `yaml:"modelName" json:"modelName"`
	Name                  string `yaml:"name,omitempty" json:"name,omitempty"`
	DataPath              string `yaml:"dataPath" json:"dataPath"`
	Public                bool   `yaml:"public" json:"public"`
	ServerKey             string `yaml:"serverKey" json:"serverKey"`
	SystemMessage         string `yaml:"systemMessage,omitempty" json:"systemMessage,omitempty"`
	UserSecret            string `yaml:"userSecret,omitempty" json:"userSecret,omitempty"`

	LogLevel       string   `yaml:"logLevel,omitempty" json:"-"`
	ServerAddress  string   `yaml:"serverAddress,omitempty" json:"-"`
	ListenAddrs    []string `yaml:"listenAddrs,omitempty" json:"-"`
	BootstrapPeers []string `yaml:"bootstrapPeers,omitempty" json:"-"`
	Reconnect      *bool    `yaml:"reconnect,omitempty" json:"-"`
}

// DefaultPath is ~/.config/symmetry/provider.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "symmetry", "provider.yaml")
	}
	return filepath.Join(home, ".config", "symmetry", "provider.yaml")
}

func Load(path string) (*ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := checkRequired(doc); err != nil {
		return nil, err
	}

	var cfg ProviderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap builds a config from an already decoded document.
func FromMap(doc map[string]any) (*ProviderConfig, error) {
	if err := checkRequired(doc); err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	var cfg ProviderConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkRequired(doc map[string]any) error {
	for _, field := range requiredFields {
		if _, ok := doc[field]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	return nil
}

func (c *ProviderConfig) ApplyDefaults() {
	if c.APIChatPath == "" {
		c.APIChatPath = "/chat/completions"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Reconnect == nil {
		reconnect := true
		c.Reconnect = &reconnect
	}
}

func (c *ProviderConfig) Validate() error {
	if c.APIHostname == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, "apiHostname")
	}
	if c.APIProtocol != "http" && c.APIProtocol != "https" {
		return fmt.Errorf("apiProtocol must be http or https, got %q", c.APIProtocol)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("apiPort out of range: %d", c.APIPort)
	}
	if _, err := c.ServerPublicKey(); err != nil {
		return err
	}
	return nil
}

func (c *ProviderConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// EnsureUserSecret generates and persists a user secret when the config has none.
// It reports whether a new secret was written.
func (c *ProviderConfig) EnsureUserSecret(path string) (bool, error) {
	if c.UserSecret != "" {
		return false, nil
	}

	buf := make([]byte, userSecretSize)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate user secret: %w", err)
	}
	c.UserSecret = hex.EncodeToString(buf)

	if err := c.Save(path); err != nil {
		return false, err
	}
	return true, nil
}

// BaseURL omits the port and base path when they are unset.
func (c *ProviderConfig) BaseURL() string {
	host := c.APIHostname
	if c.APIPort != 0 {
		host = host + ":" + strconv.Itoa(c.APIPort)
	}

	u := url.URL{Scheme: c.APIProtocol, Host: host}
	if c.APIBasePath != "" {
		u.Path = "/" + strings.TrimPrefix(c.APIBasePath, "/")
	}
	return strings.TrimSuffix(u.String(), "/")
}

func (c *ProviderConfig) ServerPublicKey() ([]byte, error) {
	key, err := hex.DecodeString(c.ServerKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServerKey, c.ServerKey)
	}
	return key, nil
}

func (c *ProviderConfig) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// Redacted returns a copy safe to announce to other peers.
func (c *ProviderConfig) Redacted() ProviderConfig {
	out := *c
	out.APIKey = ""
	out.UserSecret = ""
	return out
}
