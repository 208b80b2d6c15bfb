package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/screenrec/internal/mux"
)

const (
	DefaultProfile = "default"

	InheritedValue       = "inherited"
	ProfileSpecificValue = "profile-specific"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile"`
	Globals       *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles"`
}

type Config struct {
	Video   VideoConfig   `mapstructure:"video" yaml:"video"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type VideoConfig struct {
	MaxWidth  int    `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight int    `mapstructure:"max_height" yaml:"max_height"`
	Bitrate   int    `mapstructure:"bitrate" yaml:"bitrate"`
	FrameRate int    `mapstructure:"frame_rate" yaml:"frame_rate"`
	Grabber   string `mapstructure:"grabber" yaml:"grabber"` // ffmpeg input device, "x11grab"
	Input     string `mapstructure:"input" yaml:"input"`     // X display, ":0.0"
	// Natural display size override, 0 means probe
	DisplayWidth  int `mapstructure:"display_width" yaml:"display_width"`
	DisplayHeight int `mapstructure:"display_height" yaml:"display_height"`
}

type AudioConfig struct {
	Enabled    *bool  `mapstructure:"enabled" yaml:"enabled"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	Bitrate    int    `mapstructure:"bitrate" yaml:"bitrate"`
	Grabber    string `mapstructure:"grabber" yaml:"grabber"` // "pulse"
	Input      string `mapstructure:"input" yaml:"input"`     // pulse source name
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Container string `mapstructure:"container" yaml:"container"` // "mkv", "mp4"
}

type CaptureConfig struct {
	Source       string        `mapstructure:"source" yaml:"source"` // "auto", "x11grab", "synthetic"
	GrantTTL     time.Duration `mapstructure:"grant_ttl" yaml:"grant_ttl"`
	RequireGrant *bool         `mapstructure:"require_grant" yaml:"require_grant"`
}

type SessionConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
}

type ServerConfig struct {
	Listen       string `mapstructure:"listen" yaml:"listen"`
	ExitWhenIdle *bool  `mapstructure:"exit_when_idle" yaml:"exit_when_idle"`
}

// InheritanceInfo records, per dotted key, whether the value came from the
// selected profile or was inherited from the default profile.
type InheritanceInfo struct {
	Fields map[string]string
}

// Of returns "inherited" or "profile-specific" for a dotted key.
func (i *InheritanceInfo) Of(key string) string {
	if i == nil {
		return ""
	}
	return i.Fields[key]
}

func (i *InheritanceInfo) mark(key string, specific bool) {
	if specific {
		i.Fields[key] = ProfileSpecificValue
	} else if _, ok := i.Fields[key]; !ok {
		i.Fields[key] = InheritedValue
	}
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	display := os.Getenv("DISPLAY")
	if display == "" {
		display = ":0.0"
	}
	return &Config{
		Video: VideoConfig{
			MaxWidth:  1920,
			MaxHeight: 1080,
			Bitrate:   800 * 1024,
			FrameRate: 15,
			Grabber:   "x11grab",
			Input:     display,
		},
		Audio: AudioConfig{
			Enabled:    boolPtr(true),
			SampleRate: 44100,
			Channels:   1,
			Bitrate:    64000,
			Grabber:    "pulse",
			Input:      "default",
		},
		Output: OutputConfig{
			Directory: filepath.Join(xdg.UserDirs.Videos, "ScreenRecorder"),
			Container: mux.ContainerMatroska,
		},
		Capture: CaptureConfig{
			Source:       "auto",
			GrantTTL:     time.Hour,
			RequireGrant: boolPtr(true),
		},
		Session: SessionConfig{
			StopTimeout: 10 * time.Second,
			QueueSize:   mux.DefaultQueueSize,
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8765",
			ExitWhenIdle: boolPtr(true),
		},
	}
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(xdg.Home, ".config", "screenrec.yaml")
}

func (c *Config) AudioEnabled() bool {
	return c.Audio.Enabled == nil || *c.Audio.Enabled
}

func (c *Config) GrantRequired() bool {
	return c.Capture.RequireGrant == nil || *c.Capture.RequireGrant
}

func (c *Config) ExitWhenIdle() bool {
	return c.Server.ExitWhenIdle == nil || *c.Server.ExitWhenIdle
}

// LoadWithProfile loads configFile and resolves the requested profile on top
// of the default profile and the built-in defaults. A missing file yields the
// built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if profile != "" && profile != DefaultProfile {
			return nil, fmt.Errorf("configuration profile '%s' not found: %s does not exist", profile, configFile)
		}
		slog.Debug("Config file not found, using defaults", "path", configFile)
		cfg := mergeConfigs(Default(), nil)
		cfg.Output.Directory = expandPath(cfg.Output.Directory)
		return cfg, cfg.Validate()
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return resolveProfile(rootConfig, profile)
}

func resolveProfile(rootConfig *RootConfig, profile string) (*Config, error) {
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveProfile
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selectedProfile, exists := rootConfig.Profiles[configName]
	if !exists && configName != DefaultProfile {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	base := Default()
	if configName != DefaultProfile {
		if defaultProfile, ok := rootConfig.Profiles[DefaultProfile]; ok {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	selectedConfig := mergeConfigs(base, selectedProfile)

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := selectedConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for profile '%s': %w", configName, err)
	}
	return selectedConfig, nil
}

// ValidateConfigurationFormat reads the configuration file and returns the
// parsed root document.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("SCREENREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, p := range rootConfig.Profiles {
		if p == nil {
			return nil, fmt.Errorf("profile '%s' is empty", name)
		}
	}
	if rootConfig.ActiveProfile != "" && rootConfig.ActiveProfile != DefaultProfile {
		if _, ok := rootConfig.Profiles[rootConfig.ActiveProfile]; !ok {
			return nil, fmt.Errorf("active_profile '%s' is not defined in profiles", rootConfig.ActiveProfile)
		}
	}
	return &rootConfig, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Profiles[newActiveProfile]; !ok && newActiveProfile != DefaultProfile {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("active_profile", newActiveProfile)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// mergeConfigs overlays every non-zero field of profile onto base and
// records where each value came from.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{Fields: make(map[string]string)}}
	if base != nil {
		result.Video = base.Video
		result.Audio = base.Audio
		result.Output = base.Output
		result.Capture = base.Capture
		result.Session = base.Session
		result.Server = base.Server
	}
	inh := result.Inheritance
	if profile == nil {
		profile = &Config{}
	}

	mergeInt(&result.Video.MaxWidth, profile.Video.MaxWidth, "video.max_width", inh)
	mergeInt(&result.Video.MaxHeight, profile.Video.MaxHeight, "video.max_height", inh)
	mergeInt(&result.Video.Bitrate, profile.Video.Bitrate, "video.bitrate", inh)
	mergeInt(&result.Video.FrameRate, profile.Video.FrameRate, "video.frame_rate", inh)
	mergeString(&result.Video.Grabber, profile.Video.Grabber, "video.grabber", inh)
	mergeString(&result.Video.Input, profile.Video.Input, "video.input", inh)
	mergeInt(&result.Video.DisplayWidth, profile.Video.DisplayWidth, "video.display_width", inh)
	mergeInt(&result.Video.DisplayHeight, profile.Video.DisplayHeight, "video.display_height", inh)

	mergeBool(&result.Audio.Enabled, profile.Audio.Enabled, "audio.enabled", inh)
	mergeInt(&result.Audio.SampleRate, profile.Audio.SampleRate, "audio.sample_rate", inh)
	mergeInt(&result.Audio.Channels, profile.Audio.Channels, "audio.channels", inh)
	mergeInt(&result.Audio.Bitrate, profile.Audio.Bitrate, "audio.bitrate", inh)
	mergeString(&result.Audio.Grabber, profile.Audio.Grabber, "audio.grabber", inh)
	mergeString(&result.Audio.Input, profile.Audio.Input, "audio.input", inh)

	mergeString(&result.Output.Directory, profile.Output.Directory, "output.directory", inh)
	mergeString(&result.Output.Container, profile.Output.Container, "output.container", inh)

	mergeString(&result.Capture.Source, profile.Capture.Source, "capture.source", inh)
	mergeDuration(&result.Capture.GrantTTL, profile.Capture.GrantTTL, "capture.grant_ttl", inh)
	mergeBool(&result.Capture.RequireGrant, profile.Capture.RequireGrant, "capture.require_grant", inh)

	mergeDuration(&result.Session.StopTimeout, profile.Session.StopTimeout, "session.stop_timeout", inh)
	mergeInt(&result.Session.QueueSize, profile.Session.QueueSize, "session.queue_size", inh)

	mergeString(&result.Server.Listen, profile.Server.Listen, "server.listen", inh)
	mergeBool(&result.Server.ExitWhenIdle, profile.Server.ExitWhenIdle, "server.exit_when_idle", inh)

	return result
}

func mergeInt(dst *int, v int, key string, inh *InheritanceInfo) {
	if v != 0 {
		*dst = v
	}
	inh.mark(key, v != 0)
}

func mergeString(dst *string, v string, key string, inh *InheritanceInfo) {
	if v != "" {
		*dst = v
	}
	inh.mark(key, v != "")
}

func mergeDuration(dst *time.Duration, v time.Duration, key string, inh *InheritanceInfo) {
	if v != 0 {
		*dst = v
	}
	inh.mark(key, v != 0)
}

func mergeBool(dst **bool, v *bool, key string, inh *InheritanceInfo) {
	if v != nil {
		*dst = boolPtr(*v)
	}
	inh.mark(key, v != nil)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

var (
	validSampleRates = []int{8000, 11025, 16000, 22050, 24000, 32000, 44100, 48000, 64000, 88200, 96000}
	validSources     = []string{"auto", "x11grab", "synthetic"}
)

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if c.Video.MaxWidth <= 0 || c.Video.MaxHeight <= 0 {
		return fmt.Errorf("video: max_width and max_height must be > 0, got %dx%d", c.Video.MaxWidth, c.Video.MaxHeight)
	}
	if c.Video.Bitrate <= 0 {
		return fmt.Errorf("video: 'bitrate' must be > 0, got: %d", c.Video.Bitrate)
	}
	if c.Video.FrameRate <= 0 || c.Video.FrameRate > 120 {
		return fmt.Errorf("video: 'frame_rate' must be between 1 and 120, got: %d", c.Video.FrameRate)
	}
	if c.Video.DisplayWidth < 0 || c.Video.DisplayHeight < 0 {
		return fmt.Errorf("video: display size override must be >= 0")
	}
	if (c.Video.DisplayWidth == 0) != (c.Video.DisplayHeight == 0) {
		return fmt.Errorf("video: display_width and display_height must be set together")
	}

	if c.AudioEnabled() {
		if !slices.Contains(validSampleRates, c.Audio.SampleRate) {
			return fmt.Errorf("audio: unsupported 'sample_rate' %d", c.Audio.SampleRate)
		}
		if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
			return fmt.Errorf("audio: 'channels' must be 1 or 2, got: %d", c.Audio.Channels)
		}
		if c.Audio.Bitrate <= 0 {
			return fmt.Errorf("audio: 'bitrate' must be > 0, got: %d", c.Audio.Bitrate)
		}
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output: 'directory' is required")
	}
	if !mux.SupportedContainer(c.Output.Container) {
		return fmt.Errorf("output: 'container' must be 'mkv' or 'mp4', got: %s", c.Output.Container)
	}

	if !slices.Contains(validSources, strings.ToLower(c.Capture.Source)) {
		return fmt.Errorf("capture: 'source' must be one of %v, got: %s", validSources, c.Capture.Source)
	}
	if c.Capture.GrantTTL <= 0 {
		return fmt.Errorf("capture: 'grant_ttl' must be > 0, got: %s", c.Capture.GrantTTL)
	}

	if c.Session.StopTimeout <= 0 {
		return fmt.Errorf("session: 'stop_timeout' must be > 0, got: %s", c.Session.StopTimeout)
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session: 'queue_size' must be > 0, got: %d", c.Session.QueueSize)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server: 'listen' is required")
	}
	return nil
}

// MarshalYAML prints durations in their string form.
func (c CaptureConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Source       string `yaml:"source"`
		GrantTTL     string `yaml:"grant_ttl"`
		RequireGrant *bool  `yaml:"require_grant"`
	}{c.Source, c.GrantTTL.String(), c.RequireGrant}, nil
}

func (c SessionConfig) MarshalYAML() (interface{}, error) {
	return struct {
		StopTimeout string `yaml:"stop_timeout"`
		QueueSize   int    `yaml:"queue_size"`
	}{c.StopTimeout.String(), c.QueueSize}, nil
}
