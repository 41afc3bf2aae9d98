package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trader.yaml")
	doc := `
risk:
  maxTotalExposure: "2500"
  orderRatePerSecond: 10
twap:
  buckets: 12
  horizon: 2m
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !settings.Risk.MaxTotalExposure.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("expected overridden total exposure, got %s", settings.Risk.MaxTotalExposure)
	}
	if settings.TWAP.Buckets != 12 || settings.TWAP.Horizon != 2*time.Minute {
		t.Fatalf("expected overridden twap settings, got %+v", settings.TWAP)
	}
	// Untouched keys keep defaults.
	if settings.Smart.MaxRest != 5*time.Second {
		t.Fatalf("expected default smart maxRest, got %s", settings.Smart.MaxRest)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Settings){
		"commission >= 1": func(s *Settings) { s.CommissionRate = decimal.NewFromInt(1) },
		"zero buckets":    func(s *Settings) { s.TWAP.Buckets = 0 },
		"zero maxRest":    func(s *Settings) { s.Smart.MaxRest = 0 },
		"zero attempts":   func(s *Settings) { s.Retry.MaxAttempts = 0 },
		"iceberg frac":    func(s *Settings) { s.Iceberg.VisibleFraction = decimal.NewFromInt(2) },
	}
	for name, mutate := range cases {
		settings := Default()
		mutate(&settings)
		if err := settings.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", name)
		}
	}
}
