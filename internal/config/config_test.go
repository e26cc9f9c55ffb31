package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testToken = "123456:ABCdefGhIJKlmnOPqrsTUVwxyz0123456789"

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

// unsetEnv removes key for the duration of the test. t.Setenv registers the
// restore before the variable is dropped.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "BOT_TOKEN", testToken)
	for _, k := range []string{
		"BOT_TOKEN_FILE", "REDIS_URL", "REDIS_URL_FILE", "LEDGER_BACKEND",
		"DATA_DIR", "RULES_FILE", "ADMIN_USER_IDS", "LOG_LEVEL", "LOG_FORMAT",
		"LOG_CHANNEL_ID", "POOL_WORKERS", "POOL_QUEUE_DEPTH", "POOL_MAX_RETRIES",
		"DEFAULT_MUTE_DURATION", "DEFAULT_VERIFICATION_TIMEOUT",
		"DEFAULT_NOTIFY_ADMINS", "SWEEP_INTERVAL", "ACTION_TIMEOUT",
		"SCRIPT_CONVERSION",
	} {
		unsetEnv(t, k)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	baseEnv(t)
	unsetEnv(t, "BOT_TOKEN")

	_, err := Load()
	if err == nil {
		t.Error("expected error when BOT_TOKEN missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotToken != testToken {
		t.Errorf("BotToken: got %q", cfg.BotToken)
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("default DataDir: got %q", cfg.DataDir)
	}
	if cfg.RulesFile != filepath.Join("/data", "keywords.txt") {
		t.Errorf("default RulesFile: got %q", cfg.RulesFile)
	}
	if cfg.LedgerBackend != LedgerBolt {
		t.Errorf("default LedgerBackend: got %q", cfg.LedgerBackend)
	}
	if cfg.DefaultMuteDuration != 24*time.Hour {
		t.Errorf("default DefaultMuteDuration: got %s", cfg.DefaultMuteDuration)
	}
	if cfg.DefaultVerificationTimeout != 5*time.Minute {
		t.Errorf("default DefaultVerificationTimeout: got %s", cfg.DefaultVerificationTimeout)
	}
	if !cfg.DefaultNotifyAdmins {
		t.Error("default DefaultNotifyAdmins: expected true")
	}
	if !cfg.ScriptConversion {
		t.Error("default ScriptConversion: expected true")
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("default SweepInterval: got %s", cfg.SweepInterval)
	}
	if cfg.PoolWorkers != 4 {
		t.Errorf("default PoolWorkers: got %d", cfg.PoolWorkers)
	}
	if cfg.PoolQueueDepth != 1024 {
		t.Errorf("default PoolQueueDepth: got %d", cfg.PoolQueueDepth)
	}
	if cfg.LogChannelID != 0 {
		t.Errorf("default LogChannelID: got %d", cfg.LogChannelID)
	}
	if len(cfg.AdminUserIDs) != 0 {
		t.Errorf("default AdminUserIDs: got %v", cfg.AdminUserIDs)
	}
}

func TestRulesFileFollowsDataDir(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	setEnv(t, "DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RulesFile != filepath.Join(dir, "keywords.txt") {
		t.Errorf("RulesFile: got %q", cfg.RulesFile)
	}
}

func TestFileSecretInjection(t *testing.T) {
	baseEnv(t)
	unsetEnv(t, "BOT_TOKEN")
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.txt")
	if err := os.WriteFile(tokenFile, []byte("  "+testToken+"  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	setEnv(t, "BOT_TOKEN_FILE", tokenFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.BotToken != testToken {
		t.Errorf("expected trimmed file secret, got %q", cfg.BotToken)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	baseEnv(t)
	setEnv(t, "BOT_TOKEN_FILE", filepath.Join(t.TempDir(), "absent"))

	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestAdminUserIDsParsing(t *testing.T) {
	baseEnv(t)
	setEnv(t, "ADMIN_USER_IDS", "42, 1001 ,,-7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []int64{42, 1001, -7}
	if len(cfg.AdminUserIDs) != len(want) {
		t.Fatalf("AdminUserIDs: got %v, want %v", cfg.AdminUserIDs, want)
	}
	for i := range want {
		if cfg.AdminUserIDs[i] != want[i] {
			t.Errorf("AdminUserIDs[%d]: got %d, want %d", i, cfg.AdminUserIDs[i], want[i])
		}
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"abc"`: "abc",
		`'abc'`: "abc",
		`"abc'`: `"abc'`,
		`"`:     `"`,
		"":      "",
		"plain": "plain",
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuotedTokenIsSanitised(t *testing.T) {
	baseEnv(t)
	setEnv(t, "BOT_TOKEN", `"`+testToken+`"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotToken != testToken {
		t.Errorf("BotToken: got %q", cfg.BotToken)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{
			name:    "valid_minimal",
			setup:   func(t *testing.T) {},
			wantErr: false,
		},
		{
			name: "token_without_separator",
			setup: func(t *testing.T) {
				setEnv(t, "BOT_TOKEN", "not-a-token")
			},
			wantErr: true,
		},
		{
			name: "invalid_log_level",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_LEVEL", "invalid")
			},
			wantErr: true,
		},
		{
			name: "valid_log_level_debug",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_LEVEL", "debug")
			},
			wantErr: false,
		},
		{
			name: "invalid_log_format",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "yaml")
			},
			wantErr: true,
		},
		{
			name: "valid_log_format_text",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "text")
			},
			wantErr: false,
		},
		{
			name: "invalid_ledger_backend",
			setup: func(t *testing.T) {
				setEnv(t, "LEDGER_BACKEND", "etcd")
			},
			wantErr: true,
		},
		{
			name: "redis_backend_without_url",
			setup: func(t *testing.T) {
				setEnv(t, "LEDGER_BACKEND", "redis")
			},
			wantErr: true,
		},
		{
			name: "redis_backend_with_url",
			setup: func(t *testing.T) {
				setEnv(t, "LEDGER_BACKEND", "redis")
				setEnv(t, "REDIS_URL", "redis://localhost:6379/0")
			},
			wantErr: false,
		},
		{
			name: "mute_below_minimum",
			setup: func(t *testing.T) {
				setEnv(t, "DEFAULT_MUTE_DURATION", "30s")
			},
			wantErr: true,
		},
		{
			name: "mute_above_maximum",
			setup: func(t *testing.T) {
				setEnv(t, "DEFAULT_MUTE_DURATION", "9000h")
			},
			wantErr: true,
		},
		{
			name: "verification_timeout_below_minimum",
			setup: func(t *testing.T) {
				setEnv(t, "DEFAULT_VERIFICATION_TIMEOUT", "10s")
			},
			wantErr: true,
		},
		{
			name: "verification_timeout_at_maximum",
			setup: func(t *testing.T) {
				setEnv(t, "DEFAULT_VERIFICATION_TIMEOUT", "24h")
			},
			wantErr: false,
		},
		{
			name: "invalid_sweep_interval_zero",
			setup: func(t *testing.T) {
				setEnv(t, "SWEEP_INTERVAL", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_pool_workers",
			setup: func(t *testing.T) {
				setEnv(t, "POOL_WORKERS", "100")
			},
			wantErr: true,
		},
		{
			name: "invalid_pool_queue_depth_zero",
			setup: func(t *testing.T) {
				setEnv(t, "POOL_QUEUE_DEPTH", "0")
			},
			wantErr: true,
		},
		{
			name: "invalid_admin_user_ids",
			setup: func(t *testing.T) {
				setEnv(t, "ADMIN_USER_IDS", "42,alice")
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
