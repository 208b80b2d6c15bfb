package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "screenrec.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestMergeConfigs_ProfileOverrides(t *testing.T) {
	base := Default()
	disabled := false
	profile := &Config{
		Video: VideoConfig{
			MaxWidth:  1280,
			MaxHeight: 720,
		},
		Audio: AudioConfig{
			Enabled: &disabled,
		},
		Session: SessionConfig{
			StopTimeout: 3 * time.Second,
		},
	}

	result := mergeConfigs(base, profile)

	if result.Video.MaxWidth != 1280 || result.Video.MaxHeight != 720 {
		t.Errorf("Expected max size 1280x720, got %dx%d", result.Video.MaxWidth, result.Video.MaxHeight)
	}
	if result.Video.FrameRate != base.Video.FrameRate {
		t.Errorf("Expected inherited frame rate %d, got %d", base.Video.FrameRate, result.Video.FrameRate)
	}
	if result.AudioEnabled() {
		t.Error("Expected audio to be disabled by profile")
	}
	if result.Session.StopTimeout != 3*time.Second {
		t.Errorf("Expected stop timeout 3s, got %s", result.Session.StopTimeout)
	}

	if got := result.Inheritance.Of("video.max_width"); got != ProfileSpecificValue {
		t.Errorf("Expected video.max_width to be profile-specific, got %q", got)
	}
	if got := result.Inheritance.Of("video.frame_rate"); got != InheritedValue {
		t.Errorf("Expected video.frame_rate to be inherited, got %q", got)
	}
	if got := result.Inheritance.Of("audio.enabled"); got != ProfileSpecificValue {
		t.Errorf("Expected audio.enabled to be profile-specific, got %q", got)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, nil)

	if result.Video != base.Video {
		t.Errorf("Expected video config to be inherited, got %+v", result.Video)
	}
	for key, value := range result.Inheritance.Fields {
		if value != InheritedValue {
			t.Errorf("Expected %s to be inherited, got %q", key, value)
		}
	}
}

func TestMergeConfigs_DoesNotAliasBase(t *testing.T) {
	base := Default()
	enabled := true
	result := mergeConfigs(base, &Config{Audio: AudioConfig{Enabled: &enabled}})

	*result.Audio.Enabled = false
	if !enabled {
		t.Error("Merged config must not share the profile's bool pointer")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos/ScreenRecorder", filepath.Join(homeDir, "Videos", "ScreenRecorder")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestLoadWithProfile_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected defaults for missing file, got error: %v", err)
	}
	if cfg.Video.Bitrate != 800*1024 {
		t.Errorf("Expected default bitrate %d, got %d", 800*1024, cfg.Video.Bitrate)
	}
	if cfg.Video.FrameRate != 15 {
		t.Errorf("Expected default frame rate 15, got %d", cfg.Video.FrameRate)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.Channels != 1 {
		t.Errorf("Expected 44100 Hz mono, got %d Hz %d ch", cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
	if filepath.Base(cfg.Output.Directory) != "ScreenRecorder" {
		t.Errorf("Expected ScreenRecorder output directory, got %s", cfg.Output.Directory)
	}

	if _, err := LoadWithProfile(path, "lecture"); err == nil {
		t.Error("Expected error for named profile without config file")
	}
}

func TestLoadWithProfile_InheritsDefaultProfile(t *testing.T) {
	path := writeConfig(t, `
active_profile: lecture
profiles:
    default:
        video:
            frame_rate: 30
        session:
            stop_timeout: 5s
    lecture:
        video:
            max_width: 1280
            max_height: 720
        audio:
            enabled: false
        output:
            container: mp4
`)

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Video.FrameRate != 30 {
		t.Errorf("Expected frame rate 30 from default profile, got %d", cfg.Video.FrameRate)
	}
	if cfg.Video.MaxWidth != 1280 || cfg.Video.MaxHeight != 720 {
		t.Errorf("Expected 1280x720 from lecture profile, got %dx%d", cfg.Video.MaxWidth, cfg.Video.MaxHeight)
	}
	if cfg.AudioEnabled() {
		t.Error("Expected audio disabled by lecture profile")
	}
	if cfg.Output.Container != "mp4" {
		t.Errorf("Expected container mp4, got %s", cfg.Output.Container)
	}
	if cfg.Session.StopTimeout != 5*time.Second {
		t.Errorf("Expected stop timeout 5s, got %s", cfg.Session.StopTimeout)
	}
	if got := cfg.Inheritance.Of("video.frame_rate"); got != InheritedValue {
		t.Errorf("Expected video.frame_rate inherited, got %q", got)
	}
	if got := cfg.Inheritance.Of("output.container"); got != ProfileSpecificValue {
		t.Errorf("Expected output.container profile-specific, got %q", got)
	}
}

func TestLoadWithProfile_FlagOverridesActiveProfile(t *testing.T) {
	path := writeConfig(t, `
active_profile: lecture
profiles:
    lecture:
        video:
            frame_rate: 10
    demo:
        video:
            frame_rate: 25
`)

	cfg, err := LoadWithProfile(path, "demo")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Video.FrameRate != 25 {
		t.Errorf("Expected frame rate 25 from demo profile, got %d", cfg.Video.FrameRate)
	}

	if _, err := LoadWithProfile(path, "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected 'not found' error for unknown profile, got: %v", err)
	}
}

func TestLoadWithProfile_UndefinedActiveProfile(t *testing.T) {
	path := writeConfig(t, `
active_profile: nowhere
profiles:
    default:
        video:
            frame_rate: 10
`)

	if _, err := LoadWithProfile(path, ""); err == nil {
		t.Error("Expected error for undefined active_profile")
	}
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	path := writeConfig(t, `
active_profile: test
globals:
    output:
        recordings_directory: /global/recordings
profiles:
    test:
        output:
            directory: /profile/recordings
            container: mkv
`)

	cfg, err := LoadWithProfile(path, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	// Verify that global recordings directory overrides profile directory
	if cfg.Output.Directory != "/global/recordings" {
		t.Errorf("Expected directory '/global/recordings' from globals, got '%s'", cfg.Output.Directory)
	}
	if cfg.Output.Container != "mkv" {
		t.Errorf("Expected container 'mkv' from profile, got '%s'", cfg.Output.Container)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero max size", func(c *Config) { c.Video.MaxWidth = 0 }, "max_width"},
		{"frame rate too high", func(c *Config) { c.Video.FrameRate = 240 }, "frame_rate"},
		{"half display override", func(c *Config) { c.Video.DisplayWidth = 1920 }, "set together"},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 12345 }, "sample_rate"},
		{"bad sample rate with audio disabled", func(c *Config) {
			c.Audio.SampleRate = 12345
			c.Audio.Enabled = boolPtr(false)
		}, ""},
		{"three channels", func(c *Config) { c.Audio.Channels = 3 }, "channels"},
		{"unknown container", func(c *Config) { c.Output.Container = "avi" }, "container"},
		{"unknown source", func(c *Config) { c.Capture.Source = "wayland" }, "source"},
		{"zero stop timeout", func(c *Config) { c.Session.StopTimeout = 0 }, "stop_timeout"},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestUpdateActiveProfile(t *testing.T) {
	path := writeConfig(t, `
active_profile: lecture
profiles:
    lecture:
        video:
            frame_rate: 10
    demo:
        video:
            frame_rate: 25
`)

	if err := UpdateActiveProfile(path, "demo"); err != nil {
		t.Fatalf("Failed to update active profile: %v", err)
	}

	root, err := ValidateConfigurationFormat(path)
	if err != nil {
		t.Fatalf("Failed to re-read configuration: %v", err)
	}
	if root.ActiveProfile != "demo" {
		t.Errorf("Expected active profile 'demo', got '%s'", root.ActiveProfile)
	}

	if err := UpdateActiveProfile(path, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}
