package stripe

import (
	"context"
	"strings"
	"testing"

	"github.com/sellforgehq/sellforge-backend/pkg/config"
)

func stripeConfig(env, key string) config.StripeConfig {
	return config.StripeConfig{
		Env:           env,
		APIKey:        key,
		SigningSecret: "whsec_abc123",
	}
}

func TestNewClientDefaultsToTestEnv(t *testing.T) {
	client, err := NewClient(context.Background(), stripeConfig("", "sk_test_xyz"), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Environment() != "test" {
		t.Fatalf("expected test env, got %q", client.Environment())
	}
	if client.SigningSecret() != "whsec_abc123" {
		t.Fatalf("signing secret not carried through")
	}
	if client.API() == nil {
		t.Fatal("expected initialized api handle")
	}
}

func TestNewClientRejectsKeyEnvMismatch(t *testing.T) {
	_, err := NewClient(context.Background(), stripeConfig("live", "sk_test_xyz"), nil)
	if err == nil {
		t.Fatal("expected error for test key in live env")
	}
	if !strings.Contains(err.Error(), "sk_live") {
		t.Fatalf("error should name the expected prefix: %v", err)
	}
}

func TestNewClientRejectsUnknownEnv(t *testing.T) {
	if _, err := NewClient(context.Background(), stripeConfig("staging", "sk_test_xyz"), nil); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestNewClientRequiresSecrets(t *testing.T) {
	cfg := stripeConfig("test", "")
	if _, err := NewClient(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for missing api key")
	}

	cfg = stripeConfig("test", "sk_test_xyz")
	cfg.SigningSecret = ""
	if _, err := NewClient(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for missing signing secret")
	}
}
