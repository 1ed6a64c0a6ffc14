package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	c := Load()
	c.AdminToken = "tok"
	return c
}

func TestValidateRequiresAdminToken(t *testing.T) {
	c := Load()
	c.AdminToken = ""
	if err := c.Validate(); err == nil {
		t.Fatal("missing ADMIN_TOKEN must fail validation")
	}
}

func TestValidateRejectsUnknownRiskMode(t *testing.T) {
	c := validConfig()
	c.RiskMode = "yolo"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown risk mode must fail validation")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	c := validConfig()
	c.PoolStrategy = "coin-flip"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown strategy must fail validation")
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	c := validConfig()
	c.CooldownTimezone = "Mars/Olympus_Mons"
	if err := c.Validate(); err == nil {
		t.Fatal("bad timezone must fail validation")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MAKI_TEST_STR", "x")
	t.Setenv("MAKI_TEST_INT", "42")
	t.Setenv("MAKI_TEST_BOOL", "true")
	t.Setenv("MAKI_TEST_MS", "1500")

	if got := envOr("MAKI_TEST_STR", "y"); got != "x" {
		t.Errorf("envOr = %q", got)
	}
	if got := envOr("MAKI_TEST_MISSING", "y"); got != "y" {
		t.Errorf("envOr fallback = %q", got)
	}
	if got := envInt("MAKI_TEST_INT", 1); got != 42 {
		t.Errorf("envInt = %d", got)
	}
	if got := envBool("MAKI_TEST_BOOL", false); !got {
		t.Error("envBool = false")
	}
	if got := envDuration("MAKI_TEST_MS", time.Second); got != 1500*time.Millisecond {
		t.Errorf("envDuration = %v", got)
	}
}

func TestCooldownLocationDefaultsToUTC(t *testing.T) {
	c := validConfig()
	loc, err := c.CooldownLocation()
	if err != nil || loc != time.UTC {
		t.Fatalf("loc = %v, err = %v", loc, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	c := Load()
	if c.PoolMaxFailures != 3 {
		t.Errorf("PoolMaxFailures = %d, want 3", c.PoolMaxFailures)
	}
	if c.PoolFailureResetTime != 5*time.Minute {
		t.Errorf("PoolFailureResetTime = %v", c.PoolFailureResetTime)
	}
	if c.RiskMaxEvents != 5000 {
		t.Errorf("RiskMaxEvents = %d", c.RiskMaxEvents)
	}
	if c.RequestMaxRetries != 3 {
		t.Errorf("RequestMaxRetries = %d", c.RequestMaxRetries)
	}
	if c.RequestBaseDelay != time.Second {
		t.Errorf("RequestBaseDelay = %v", c.RequestBaseDelay)
	}
}
