package config

import "testing"

func validConfig() *Config {
	return &Config{
		ListenAddr:     ":8088",
		MaxConnections: 10,
		UnitType:       "buffers",
		DefSyncMethod:  "latest",
		RecoverPolicy:  "resync-keyframe",
		UnitsMax:       500,
		UnitsSoftMax:   450,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := validConfig()
	cfg.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty listen address")
	}
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConnections = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive max connections")
	}
}

func TestValidateRejectsUnknownUnitType(t *testing.T) {
	cfg := validConfig()
	cfg.UnitType = "furlongs"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown unit type")
	}
}

func TestValidateRejectsUnknownSyncMethod(t *testing.T) {
	cfg := validConfig()
	cfg.DefSyncMethod = "whenever"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown sync method")
	}
}

func TestValidateRejectsUnknownRecoverPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.RecoverPolicy = "shrug"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown recover policy")
	}
}

func TestValidateRejectsSoftMaxAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.UnitsMax = 100
	cfg.UnitsSoftMax = 200
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when soft max exceeds max")
	}
}

func TestValidateAllowsSoftMaxWhenMaxDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.UnitsMax = -1
	cfg.UnitsSoftMax = 10000
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected soft max to be unconstrained when max is disabled, got: %v", err)
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log format")
	}
}
