package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ORDERS_BASE_URL", "https://orders.internal")
	t.Setenv("GATEWAY_BASE_URL", "https://api.gateway.test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "dynamodb" || cfg.Store.Table != "checkout_intents" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Signature.Header != "X-Signature" || cfg.Signature.DeliveryIDHeader != "X-Webhook-Id" {
		t.Fatalf("unexpected signature headers %+v", cfg.Signature)
	}
	if cfg.Signature.Tolerance != 0 || cfg.Signature.CertCacheTTL != time.Hour {
		t.Fatalf("unexpected signature durations %+v", cfg.Signature)
	}
	if !cfg.Engine.VerifyWithGateway || cfg.Engine.OrderTimeout != 10*time.Second {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Sweep.StuckAfter != 10*time.Minute || cfg.Sweep.MaxAttempts != 5 {
		t.Fatalf("unexpected sweep config %+v", cfg.Sweep)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://app@localhost/checkout")
	t.Setenv("DELIVERY_BACKEND", "redis")
	t.Setenv("SIGNATURE_TOLERANCE", "5m")
	t.Setenv("STUCK_AFTER", "90s")
	t.Setenv("VERIFY_WITH_GATEWAY", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DatabaseURL == "" || cfg.Deliveries.Backend != "redis" {
		t.Fatalf("unexpected backends %+v %+v", cfg.Store, cfg.Deliveries)
	}
	if cfg.Signature.Tolerance != 5*time.Minute || cfg.Sweep.StuckAfter != 90*time.Second {
		t.Fatalf("durations not parsed: %v %v", cfg.Signature.Tolerance, cfg.Sweep.StuckAfter)
	}
	if cfg.Engine.VerifyWithGateway {
		t.Fatalf("expected gateway verification off")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url": {"STORE_BACKEND": "postgres"},
		"unknown backend":      {"STORE_BACKEND": "sqlite"},
		"unknown scheme":       {"SIGNATURE_SCHEME": "jwt"},
		"verify without gateway": {
			"GATEWAY_BASE_URL":    "",
			"VERIFY_WITH_GATEWAY": "true",
		},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("expected invalid config, got %v", err)
			}
		})
	}
}
