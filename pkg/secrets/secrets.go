// Package secrets resolves connection passwords and defaults from the
// sources a deployment might use: an inline value, an environment
// variable, an AWS Secrets Manager secret, or the conventional
// ~/.pgpass and ~/.pg_service.conf files.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// Ref identifies a password value from exactly one source.
type Ref struct {
	// AwsSecretArn is the ARN of an AWS Secrets Manager secret. Key must
	// also be set to extract a specific field from the JSON secret.
	AwsSecretArn string
	Key          string

	// InsecureValue is a plaintext password. Development use only.
	InsecureValue string

	// EnvVar is the name of an environment variable holding the password.
	EnvVar string

	// PgpassFile, when non-empty, is a path to a pgpass-formatted file to
	// search for an entry matching the connection's host/port/db/user.
	// ~/.pgpass is the conventional path but is never assumed implicitly.
	PgpassFile string
}

// Validate checks that exactly one password source is configured.
func (r Ref) Validate() error {
	sources := 0
	if r.AwsSecretArn != "" {
		sources++
	}
	if r.InsecureValue != "" {
		sources++
	}
	if r.EnvVar != "" {
		sources++
	}
	if r.PgpassFile != "" {
		sources++
	}

	if sources == 0 {
		return errors.New("secrets: ref must have one of aws_secret_arn, insecure_value, env_var, or pgpass_file")
	}
	if sources > 1 {
		return errors.New("secrets: ref must have only one of aws_secret_arn, insecure_value, env_var, or pgpass_file")
	}
	if r.AwsSecretArn != "" && r.Key == "" {
		return errors.New("secrets: aws_secret_arn requires key to be set")
	}
	return nil
}

// ConnTarget is the host/port/database/user a PgpassFile lookup is
// matched against, per the pgpass file format's four-field key.
type ConnTarget struct {
	Hostname string
	Port     string
	Database string
	Username string
}

// managerClient is the subset of the Secrets Manager API this package
// calls, narrowed so a test can inject a fake.
type managerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Cache resolves Refs to password strings, caching AWS Secrets Manager
// lookups by ARN so a reused Ref does not re-fetch on every connect.
type Cache struct {
	mu     sync.RWMutex
	cache  map[string]map[string]any
	client managerClient
}

// NewCache builds a Cache around an already-configured Secrets Manager
// client, letting a caller outside AWS inject a fake for testing.
func NewCache(client managerClient) *Cache {
	return &Cache{cache: make(map[string]map[string]any), client: client}
}

// NewCacheFromEnv builds a Cache using the ambient AWS credential chain
// (environment, shared config, instance role).
func NewCacheFromEnv(ctx context.Context) (*Cache, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: load AWS config: %w", err)
	}
	return NewCache(secretsmanager.NewFromConfig(cfg)), nil
}

// Resolve returns the password named by ref. target is only consulted
// for the PgpassFile source; it is ignored by the other three.
func (c *Cache) Resolve(ctx context.Context, ref Ref, target ConnTarget) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil
	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("secrets: environment variable %q not set", ref.EnvVar)
		}
		return val, nil
	case ref.PgpassFile != "":
		return resolvePgpass(ref.PgpassFile, target)
	default:
		return c.resolveAwsSecret(ctx, ref)
	}
}

func (c *Cache) resolveAwsSecret(ctx context.Context, ref Ref) (string, error) {
	if secretData, ok := c.getCached(ref.AwsSecretArn); ok {
		return extractStringKey(secretData, ref.Key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if secretData, ok := c.cache[ref.AwsSecretArn]; ok {
		return extractStringKey(secretData, ref.Key)
	}

	secretData, err := c.fetchSecret(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}
	c.cache[ref.AwsSecretArn] = secretData
	return extractStringKey(secretData, ref.Key)
}

func (c *Cache) getCached(arn string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.cache[arn]
	return data, ok
}

func (c *Cache) fetchSecret(ctx context.Context, arn string) (map[string]any, error) {
	output, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &arn})
	if err != nil {
		return nil, fmt.Errorf("secrets: get secret %s: %w", arn, err)
	}
	if output.SecretString == nil {
		return nil, fmt.Errorf("secrets: secret %s has no string value", arn)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(*output.SecretString), &data); err != nil {
		return nil, fmt.Errorf("secrets: parse secret %s as JSON: %w", arn, err)
	}
	return data, nil
}

func extractStringKey(data map[string]any, key string) (string, error) {
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secrets: key %q not found in secret", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("secrets: value at key %q is not a string (got %T)", key, val)
	}
	return str, nil
}

func resolvePgpass(path string, target ConnTarget) (string, error) {
	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", fmt.Errorf("secrets: read pgpass file %s: %w", path, err)
	}
	password := pf.FindPassword(target.Hostname, target.Port, target.Database, target.Username)
	if password == "" {
		return "", fmt.Errorf("secrets: no pgpass entry for %s:%s/%s@%s", target.Hostname, target.Port, target.Database, target.Username)
	}
	return password, nil
}

// ServiceDefaults looks up serviceName in a pg_service.conf-formatted
// file and returns its settings (host, port, user, dbname, and so on) as
// a map keyed by their file-format names, for a caller to merge into its
// own connection defaults before any explicit option overrides them.
func ServiceDefaults(path, serviceName string) (map[string]string, error) {
	sf, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read service file %s: %w", path, err)
	}
	service, err := sf.GetService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("secrets: service %q: %w", serviceName, err)
	}
	return service.Settings, nil
}
