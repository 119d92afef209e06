package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// ErrConfigNotFound is returned when the configuration parameter does not
// exist in SSM Parameter Store.
var ErrConfigNotFound = errors.New("config not found")

// DefaultCacheTTL is how long CachedLoader keeps a loaded configuration.
const DefaultCacheTTL = 30 * time.Second

// Loader loads a configuration by name.
type Loader interface {
	Load(ctx context.Context, name string) (Config, error)
}

// SSMAPI defines the SSM operations used by SSMLoader.
// This interface enables testing with mock implementations.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader fetches configuration YAML from AWS SSM Parameter Store.
type SSMLoader struct {
	client SSMAPI
}

// NewSSMLoader creates a new SSMLoader using the provided AWS configuration.
func NewSSMLoader(cfg aws.Config) *SSMLoader {
	return &SSMLoader{client: ssm.NewFromConfig(cfg)}
}

// NewSSMLoaderWithClient creates an SSMLoader with a custom SSM client.
func NewSSMLoaderWithClient(client SSMAPI) *SSMLoader {
	return &SSMLoader{client: client}
}

// Load fetches and parses the configuration stored in parameterName.
// The parameter is fetched with decryption so SecureString values work.
func (l *SSMLoader) Load(ctx context.Context, parameterName string) (Config, error) {
	output, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(parameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("%s: %w", parameterName, ErrConfigNotFound)
		}
		return Config{}, recoveryerrors.WrapSSMError(err, parameterName)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return Config{}, fmt.Errorf("%s: %w", parameterName, ErrConfigNotFound)
	}

	return Parse([]byte(*output.Parameter.Value))
}

type cacheEntry struct {
	cfg    Config
	expiry time.Time
}

// CachedLoader wraps a Loader with in-memory TTL-based caching.
// It is safe for concurrent use. Errors are not cached.
type CachedLoader struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewCachedLoader creates a CachedLoader that caches results for ttl.
func NewCachedLoader(loader Loader, ttl time.Duration) *CachedLoader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLoader{
		loader: loader,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]*cacheEntry),
	}
}

// Load returns the cached configuration for name, loading it on a miss.
func (c *CachedLoader) Load(ctx context.Context, name string) (Config, error) {
	c.mu.RLock()
	if entry, ok := c.cache[name]; ok && c.now().Before(entry.expiry) {
		c.mu.RUnlock()
		return entry.cfg.Clone(), nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[name]; ok && c.now().Before(entry.expiry) {
		return entry.cfg.Clone(), nil
	}

	cfg, err := c.loader.Load(ctx, name)
	if err != nil {
		return Config{}, err
	}
	c.cache[name] = &cacheEntry{cfg: cfg, expiry: c.now().Add(c.ttl)}
	return cfg.Clone(), nil
}

var (
	_ Loader = (*SSMLoader)(nil)
	_ Loader = (*CachedLoader)(nil)
)
