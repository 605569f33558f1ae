package config

import "testing"

func validConfig() Config {
	return Config{
		Webhook:  WebhookConfig{Port: 3001},
		KV:       KVConfig{Addr: "localhost:6379"},
		Provider: ProviderConfig{BaseURL: "https://provider.example.com", APIKey: "key"},
		History:  HistoryConfig{TradeHistoryTTL: 1, CounterTTL: 1},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRequiresProviderAPIKeyUnlessDryRun(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Provider.APIKey = ""

	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() = nil, want error for missing provider api key")
	}

	cfg.Provider.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with dry_run=true = %v, want nil", err)
	}
}

func TestValidateRequiresKVAddr(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.KV.Addr = ""

	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() = nil, want error for missing kv.addr")
	}
}
