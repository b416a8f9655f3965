package postgres

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := cfg
	invalid.MaxIdleConns = invalid.MaxOpenConns + 1
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for idle > open")
	}
}
