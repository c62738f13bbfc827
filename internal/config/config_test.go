package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Pairs:     []string{"USD/COP", "USD/VES"},
		Scheduler: SchedulerConfig{Interval: 5 * time.Minute},
		Reconciliation: ReconciliationConfig{
			ThresholdPct: 2.0,
		},
		Indicators: IndicatorsConfig{Window: 14},
		Export:     ExportConfig{MaxDataPoints: 1000},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateRejectsBadPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Pairs = []string{"USDCOP"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("malformed pair must be rejected")
	}

	cfg.Pairs = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty pair list must be rejected")
	}
}

func TestValidateThirdPartyNeedsKey(t *testing.T) {
	cfg := validConfig()
	cfg.Sources.ThirdParty.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("thirdparty habilitado sin api_key debe fallar")
	}

	cfg.Sources.ThirdParty.APIKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateTelegramNeedsCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("telegram sin bot_token debe fallar")
	}

	cfg.Alerting.Telegram.BotToken = "token"
	if err := cfg.Validate(); err == nil {
		t.Fatal("telegram sin chat_id debe fallar")
	}

	cfg.Alerting.Telegram.ChatID = "chat"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestParsedPairs(t *testing.T) {
	cfg := validConfig()
	pairs := cfg.ParsedPairs()
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	if pairs[0].String() != "USD/COP" || pairs[1].String() != "USD/VES" {
		t.Fatalf("unexpected pairs %v", pairs)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ResolveMaxPoints(0); got != 1000 {
		t.Fatalf("default = %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("override = %d", got)
	}
}
