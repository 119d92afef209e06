package lambda

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsLoader loads secrets from a secrets management service.
type SecretsLoader interface {
	// GetSecret retrieves a string secret by its ID or ARN.
	GetSecret(ctx context.Context, secretID string) (string, error)
}

// DefaultSecretsCacheTTL is the default TTL for cached secrets. Secrets here
// (audit signing key, SMTP password, webhook key) change only on rotation.
const DefaultSecretsCacheTTL = time.Hour

// secretsManagerAPI is the Secrets Manager operation used by CachedSecretsLoader.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// CachedSecretsLoader reads string secrets from AWS Secrets Manager and keeps
// them in process memory for the TTL. The cache lives as long as the Lambda
// execution environment.
type CachedSecretsLoader struct {
	client secretsManagerAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

// SecretsOption configures a CachedSecretsLoader.
type SecretsOption func(*CachedSecretsLoader)

// WithTTL sets the cache TTL.
func WithTTL(ttl time.Duration) SecretsOption {
	return func(l *CachedSecretsLoader) {
		l.ttl = ttl
	}
}

// WithSecretsClock sets the clock used for cache expiry.
func WithSecretsClock(now func() time.Time) SecretsOption {
	return func(l *CachedSecretsLoader) {
		l.now = now
	}
}

// NewCachedSecretsLoader creates a CachedSecretsLoader using the given AWS config.
func NewCachedSecretsLoader(awsCfg aws.Config, opts ...SecretsOption) *CachedSecretsLoader {
	return newCachedSecretsLoaderWithClient(secretsmanager.NewFromConfig(awsCfg), opts...)
}

func newCachedSecretsLoaderWithClient(client secretsManagerAPI, opts ...SecretsOption) *CachedSecretsLoader {
	l := &CachedSecretsLoader{
		client: client,
		ttl:    DefaultSecretsCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetSecret returns the secret string for secretID, from cache when fresh.
// Binary secrets are rejected.
func (l *CachedSecretsLoader) GetSecret(ctx context.Context, secretID string) (string, error) {
	if secretID == "" {
		return "", fmt.Errorf("secret ID is required")
	}

	l.mu.RLock()
	cached, ok := l.cache[secretID]
	l.mu.RUnlock()
	if ok && l.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	output, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", secretID, err)
	}
	if output.SecretString == nil {
		return "", fmt.Errorf("secret %q is not a string secret", secretID)
	}

	value := *output.SecretString
	l.mu.Lock()
	l.cache[secretID] = cachedSecret{value: value, expiresAt: l.now().Add(l.ttl)}
	l.mu.Unlock()
	return value, nil
}

// loadSecret resolves a secret that may come from Secrets Manager (secretEnv
// names the secret ID) or, deprecated, directly from plainEnv. Returns "" when
// neither is set.
func loadSecret(ctx context.Context, loader SecretsLoader, secretEnv, plainEnv string) (string, error) {
	secretID := os.Getenv(secretEnv)
	plain := ""
	if plainEnv != "" {
		plain = os.Getenv(plainEnv)
	}

	if secretID != "" {
		if loader == nil {
			return "", fmt.Errorf("%s is set but no secrets loader is configured", secretEnv)
		}
		value, err := loader.GetSecret(ctx, secretID)
		if err != nil {
			return "", fmt.Errorf("load %s from Secrets Manager: %w", secretEnv, err)
		}
		if plain != "" {
			log.Printf("WARNING: Both %s and %s are set. Using Secrets Manager (env var ignored).", secretEnv, plainEnv)
		}
		return value, nil
	}

	if plain != "" {
		log.Printf("WARNING: %s is deprecated. Store the value in Secrets Manager and set %s.", plainEnv, secretEnv)
	}
	return plain, nil
}

// decodeHexKey decodes a hex-encoded key and enforces a minimum length.
func decodeHexKey(name, value string, minLen int) ([]byte, error) {
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be hex-encoded: %w", name, err)
	}
	if len(key) < minLen {
		return nil, fmt.Errorf("invalid %s: must be at least %d bytes (got %d)", name, minLen, len(key))
	}
	return key, nil
}
