package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
)

// ControlSecrets holds the control-plane secrets stored in Vault. The
// exchange surface needs no keys here; paper mode and public market
// data run without credentials.
type ControlSecrets struct {
	JWTSecret    string `json:"jwt_secret"`
	APITokenHash string `json:"api_token_hash"`
}

// Client wraps the HashiCorp Vault client for control-plane secrets.
// Secrets live in a KV v2 engine at <mount>/data/<secret_path>.
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	cached *ControlSecrets
}

// NewClient creates a new Vault client. A disabled config returns an
// inert client so callers need no nil checks.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger.With().Str("component", "Vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// LoadControlSecrets reads the control-plane secrets from Vault. The
// result is cached; ClearCache forces a re-read.
func (c *Client) LoadControlSecrets(ctx context.Context) (*ControlSecrets, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("vault is disabled")
	}

	c.mu.RLock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	path := c.secretPath()
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read control secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("control secrets not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	secrets := &ControlSecrets{
		JWTSecret:    getString(data, "jwt_secret"),
		APITokenHash: getString(data, "api_token_hash"),
	}
	if secrets.JWTSecret == "" && secrets.APITokenHash == "" {
		return nil, fmt.Errorf("control secrets empty at %s", path)
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()

	c.logger.Info().Str("path", path).Msg("Loaded control secrets from Vault")
	cached := *secrets
	return &cached, nil
}

// StoreControlSecrets writes the control-plane secrets to Vault
func (c *Client) StoreControlSecrets(ctx context.Context, secrets ControlSecrets) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"jwt_secret":     secrets.JWTSecret,
			"api_token_hash": secrets.APITokenHash,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store control secrets in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &secrets
	c.mu.Unlock()
	return nil
}

// ClearCache clears the cached secrets
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path for the control secrets
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
