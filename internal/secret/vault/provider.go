// Package vault resolves secrets from HashiCorp Vault. The provider logs
// in once at construction (AppRole or TLS certificate), keeps the token
// renewed in the background, and reads KV v2 secrets with optional #key
// addressing.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Auth method names accepted by Config.AuthMethod.
const (
	AuthAppRole = "approle"
	AuthCert    = "cert"
)

// Config locates and authenticates against a Vault server.
type Config struct {
	Address    string
	AuthMethod string
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// Provider is a logged-in Vault client with background token renewal.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New connects, authenticates, and starts the token renewer.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.ClientKey != "" {
		tls := &vault.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}
		if err := vaultCfg.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("vault: configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	auth, err := login(client, cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(auth.ClientToken)

	p := &Provider{
		client: client,
		logger: logger,
		stop:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.renewToken(auth)

	return p, nil
}

func login(client *vault.Client, cfg Config) (*vault.SecretAuth, error) {
	var (
		secret *vault.Secret
		err    error
	)
	switch cfg.AuthMethod {
	case AuthCert:
		secret, err = client.Logical().Write("auth/cert/login", nil)
	case AuthAppRole:
		secret, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("vault: unknown auth method %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: %s login: %w", cfg.AuthMethod, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault: %s login returned no auth data", cfg.AuthMethod)
	}
	return secret.Auth, nil
}

// Get reads one secret value. The path addresses the secret; a trailing
// #key names the field inside it, defaulting to "value". KV v2 data
// wrappers are unwrapped transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("vault: read %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault: secret %q has no key %q", secretPath, key)
	}
	return fmt.Sprintf("%v", value), nil
}

// Close stops the token renewer and waits for it.
func (p *Provider) Close() error {
	close(p.stop)
	p.wg.Wait()
	return nil
}

// renewToken keeps the login token fresh until Close. A token that cannot
// be renewed simply ages out; reads then fail and surface through the
// normal error path.
func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("vault lifetime watcher failed to start", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stop:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal ended", "error", err)
			}
			return
		case renewal := <-watcher.RenewCh():
			p.logger.Debug("vault token renewed", "lease_duration", renewal.Secret.LeaseDuration)
		}
	}
}
