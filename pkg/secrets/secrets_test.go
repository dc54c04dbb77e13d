package secrets

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestRefValidate(t *testing.T) {
	cases := []struct {
		name    string
		ref     Ref
		wantErr bool
	}{
		{"empty", Ref{}, true},
		{"insecure only", Ref{InsecureValue: "x"}, false},
		{"env only", Ref{EnvVar: "PGPASSWORD"}, false},
		{"pgpass only", Ref{PgpassFile: "/root/.pgpass"}, false},
		{"aws without key", Ref{AwsSecretArn: "arn:aws:secretsmanager:..."}, true},
		{"aws with key", Ref{AwsSecretArn: "arn:aws:secretsmanager:...", Key: "password"}, false},
		{"two sources", Ref{InsecureValue: "x", EnvVar: "Y"}, true},
	}
	for _, tc := range cases {
		err := tc.ref.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestResolveInsecureValue(t *testing.T) {
	c := NewCache(nil)
	got, err := c.Resolve(context.Background(), Ref{InsecureValue: "hunter2"}, ConnTarget{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("Resolve() = %q, want %q", got, "hunter2")
	}
}

func TestResolveEnvVar(t *testing.T) {
	t.Setenv("PGFLIGHT_TEST_PASSWORD", "from-env")
	c := NewCache(nil)
	got, err := c.Resolve(context.Background(), Ref{EnvVar: "PGFLIGHT_TEST_PASSWORD"}, ConnTarget{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("Resolve() = %q, want %q", got, "from-env")
	}
}

func TestResolveEnvVarMissing(t *testing.T) {
	c := NewCache(nil)
	if _, err := c.Resolve(context.Background(), Ref{EnvVar: "PGFLIGHT_DOES_NOT_EXIST"}, ConnTarget{}); err == nil {
		t.Fatalf("expected an error for a missing environment variable")
	}
}

type fakeManagerClient struct {
	output *secretsmanager.GetSecretValueOutput
	err    error
	calls  int
}

func (f *fakeManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	return f.output, f.err
}

func TestResolveAwsSecretCachesByArn(t *testing.T) {
	secretJSON := `{"password":"s3cr3t"}`
	fake := &fakeManagerClient{output: &secretsmanager.GetSecretValueOutput{SecretString: &secretJSON}}
	c := NewCache(fake)
	ref := Ref{AwsSecretArn: "arn:aws:secretsmanager:us-east-1:123:secret:db", Key: "password"}

	for i := 0; i < 3; i++ {
		got, err := c.Resolve(context.Background(), ref, ConnTarget{})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "s3cr3t" {
			t.Fatalf("Resolve() = %q, want %q", got, "s3cr3t")
		}
	}
	if fake.calls != 1 {
		t.Fatalf("GetSecretValue called %d times, want 1 (cached)", fake.calls)
	}
}

func TestResolveAwsSecretMissingKey(t *testing.T) {
	secretJSON := `{"username":"app"}`
	fake := &fakeManagerClient{output: &secretsmanager.GetSecretValueOutput{SecretString: &secretJSON}}
	c := NewCache(fake)
	ref := Ref{AwsSecretArn: "arn:aws:secretsmanager:us-east-1:123:secret:db", Key: "password"}

	if _, err := c.Resolve(context.Background(), ref, ConnTarget{}); err == nil {
		t.Fatalf("expected an error for a missing key")
	}
}
