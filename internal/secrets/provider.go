// Package secrets retrieves sensitive startup configuration (wallet seed
// phrase, pool RPC auth token) from HashiCorp Vault, falling back to plain
// environment variables when Vault is disabled. The bundle is fetched once
// and cached for the process lifetime.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
)

// Bundle is the set of secrets this process needs at startup.
type Bundle struct {
	WalletSeedPhrase string
	PoolRPCToken     string
}

// Provider fetches a Bundle once and caches it for the process lifetime.
type Provider struct {
	cfg    config.VaultConfig
	client *api.Client
	logger zerolog.Logger

	mu     sync.Mutex
	cached *Bundle
}

// New builds a Provider. If cfg.Enabled is false, Fetch always falls back
// to the env-var-sourced values handed in via envFallback.
func New(cfg config.VaultConfig, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: logger.With().Str("component", "secrets").Logger()}
	if !cfg.Enabled {
		return p, nil
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	p.client = client
	return p, nil
}

// Fetch returns the secret bundle, reading from Vault (and caching) when
// enabled, or from the supplied env-var fallback otherwise.
func (p *Provider) Fetch(ctx context.Context, envFallback Bundle) (Bundle, error) {
	if !p.cfg.Enabled {
		return envFallback, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, p.cfg.SecretPath)
	if err != nil {
		p.logger.Warn().Err(err).Msg("vault read failed, falling back to env-sourced secrets")
		return envFallback, nil
	}
	if secret == nil || secret.Data == nil {
		p.logger.Warn().Msg("vault secret path empty, falling back to env-sourced secrets")
		return envFallback, nil
	}

	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		data = secret.Data
	}

	bundle := envFallback
	if v, ok := data["wallet_seed_phrase"].(string); ok && v != "" {
		bundle.WalletSeedPhrase = v
	}
	if v, ok := data["pool_rpc_token"].(string); ok && v != "" {
		bundle.PoolRPCToken = v
	}

	p.cached = &bundle
	return bundle, nil
}
