// Package paramstore resolves secrets stored in AWS Systems Manager Parameter Store.
//
// Settings values of the form "ssm:<name>" are references; Resolve swaps them
// for the decrypted parameter value.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

// DefaultCacheTTL is how long a resolved parameter is reused.
const DefaultCacheTTL = 5 * time.Minute

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter returns the decrypted value of a named parameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// NewFromEnvironment builds a Client from the default AWS credential chain.
func NewFromEnvironment(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("paramstore: load AWS config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// GetParameter fetches and decrypts a single parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Cache is a Getter that memoizes another Getter's values for a fixed TTL.
// Failed lookups are not cached.
type Cache struct {
	next Getter
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next with a TTL cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(next Getter, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{next: next, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *Cache) GetParameter(ctx context.Context, name string) (string, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[name]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := c.next.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[name] = cacheEntry{value: v, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// IsReference reports whether value names a parameter rather than holding a literal.
func IsReference(value string) bool {
	return strings.HasPrefix(value, models.SecretRefPrefix)
}

// Resolve returns value unchanged unless it is a reference, in which case the
// parameter is fetched through g. Relative names are joined to prefix.
func Resolve(ctx context.Context, g Getter, prefix, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(value, models.SecretRefPrefix))
	if g == nil {
		return "", fmt.Errorf("paramstore: %q is a parameter reference but Parameter Store is not configured", name)
	}
	if prefix != "" && !strings.HasPrefix(name, "/") {
		name = path.Join(prefix, name)
	}
	return g.GetParameter(ctx, name)
}
