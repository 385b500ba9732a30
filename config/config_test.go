package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `source_email:
  address: source@example.com
  app_password: secret
llm:
  provider: claude
  api_key: test-key
language:
  target: german
  level: b1
target_email:
  address: target@example.com
  smtp_server: smtp.example.com
  smtp_port: 587
  smtp_user: sender@example.com
  smtp_password: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Schedule.Time != "12:00" {
		t.Errorf("schedule.time = %q, want 12:00", cfg.Schedule.Time)
	}
	if cfg.Schedule.Timezone != "UTC" {
		t.Errorf("schedule.timezone = %q, want UTC", cfg.Schedule.Timezone)
	}
	if !cfg.Schedule.Enabled {
		t.Error("schedule.enabled = false, want true")
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("logging.level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.SourceEmail.IMAPServer != "imap.gmail.com" {
		t.Errorf("imap_server = %q, want imap.gmail.com", cfg.SourceEmail.IMAPServer)
	}
	if cfg.SourceEmail.IMAPPort != 993 {
		t.Errorf("imap_port = %d, want 993", cfg.SourceEmail.IMAPPort)
	}
	if !cfg.SourceEmail.MarkAsRead {
		t.Error("mark_as_read = false, want true")
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want 4096", cfg.LLM.MaxTokens)
	}
	if cfg.TargetEmail.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", cfg.TargetEmail.RetryCount)
	}
	if cfg.TargetEmail.RetryDelay() != 300*time.Second {
		t.Errorf("retry_delay = %v, want 5m", cfg.TargetEmail.RetryDelay())
	}
}

func TestLoadCaseInsensitiveEnums(t *testing.T) {
	content := strings.NewReplacer(
		"provider: claude", "provider: CLAUDE",
		"target: german", "target: German",
		"level: b1", "level: B1",
	).Replace(minimalConfig)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != ProviderClaude {
		t.Errorf("provider = %q, want claude", cfg.LLM.Provider)
	}
	if cfg.Language.Target != LanguageGerman {
		t.Errorf("target = %q, want german", cfg.Language.Target)
	}
	if cfg.Language.Level != LevelB1 {
		t.Errorf("level = %q, want b1", cfg.Language.Level)
	}
}

func TestLoadRejectsUnknownEnumValues(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		wantErr string
	}{
		{"provider", [2]string{"provider: claude", "provider: gemini"}, "llm.provider"},
		{"language", [2]string{"target: german", "target: klingon"}, "language.target"},
		{"level", [2]string{"level: b1", "level: d1"}, "language.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(minimalConfig, tt.replace[0], tt.replace[1], 1)
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	content := strings.Replace(minimalConfig, "  api_key: test-key\n", "", 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for missing api_key")
	}
	if !strings.Contains(err.Error(), "llm.api_key") {
		t.Errorf("error = %v, want mention of llm.api_key", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want mention of not found", err)
	}
}

func TestLoadInvalidScheduleTime(t *testing.T) {
	content := minimalConfig + "schedule:\n  time: \"25:99\"\n"
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid schedule time")
	}
}

func TestLoadInvalidTimezone(t *testing.T) {
	content := minimalConfig + "schedule:\n  timezone: Mars/Olympus\n"
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid timezone")
	}
}

func TestParseScheduleTime(t *testing.T) {
	parsed, err := ParseScheduleTime("09:30")
	if err != nil {
		t.Fatalf("ParseScheduleTime() error = %v", err)
	}
	if parsed.Hour() != 9 || parsed.Minute() != 30 {
		t.Errorf("parsed = %02d:%02d, want 09:30", parsed.Hour(), parsed.Minute())
	}

	if _, err := ParseScheduleTime("noon"); err == nil {
		t.Error("ParseScheduleTime(noon) expected error")
	}
}
