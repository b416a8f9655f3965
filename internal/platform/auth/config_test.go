package auth

import "testing"

func TestConfigValidate(t *testing.T) {
	oidcCfg := Config{
		Mode:              ModeOIDC,
		RolesClaim:        "roles",
		EmailClaim:        "email",
		SessionCookieName: "rereco_session",
		OIDCIssuerURL:     "https://issuer.example.test",
		OIDCClientID:      "rereco",
	}
	if err := oidcCfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	missingIssuer := oidcCfg
	missingIssuer.OIDCIssuerURL = ""
	if err := missingIssuer.Validate(); err == nil {
		t.Fatalf("Validate() expected error for oidc mode without issuer")
	}

	devCfg := Config{
		Mode:              ModeDev,
		RolesClaim:        "roles",
		EmailClaim:        "email",
		SessionCookieName: "rereco_session",
		DevSubject:        "dev-user",
		DevRoles:          []string{"administrator"},
	}
	if err := devCfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	devCfg.DevRoles = nil
	if err := devCfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for dev mode without roles")
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV("Manager, user ,manager,,USER")
	if len(got) != 2 || got[0] != "manager" || got[1] != "user" {
		t.Fatalf("parseCSV()=%v, want [manager user]", got)
	}
}
