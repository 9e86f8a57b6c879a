package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CameraSource describes one camera belonging to the outlet.
type CameraSource struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"` // rtsp:// URL, webcam:<index>, or a file path
}

// OutletConfig identifies the site and the targets it is expected to see.
type OutletConfig struct {
	ID           string         `yaml:"id"`
	Cameras      []CameraSource `yaml:"cameras"`
	TargetSpgIDs []string       `yaml:"target_spg_ids"`
}

// CameraConfig holds sampling and preview settings shared by all capture
// workers.
type CameraConfig struct {
	ProcessFPS             int     `yaml:"process_fps"`
	Preview                bool    `yaml:"preview"`
	PreviewWidth           int     `yaml:"preview_width"`
	PreviewQuality         int     `yaml:"preview_quality"`
	PreviewSaveIntervalSec float64 `yaml:"preview_save_interval_sec"`
}

// RecognitionConfig configures the detector sidecar and matching.
type RecognitionConfig struct {
	Threshold float64 `yaml:"threshold"`
	DetSize   int     `yaml:"det_size"`
	Endpoint  string  `yaml:"endpoint"`
}

// PresenceConfig holds the absence thresholds.
type PresenceConfig struct {
	GraceSeconds  int `yaml:"grace_seconds"`
	AbsentSeconds int `yaml:"absent_seconds"`
}

// InferenceConfig controls the frame hand-off to the recognition worker.
type InferenceConfig struct {
	FrameSkip      int `yaml:"frame_skip"`
	MaxFrameHeight int `yaml:"max_frame_height"`
	MaxFrameWidth  int `yaml:"max_frame_width"`
}

// StorageConfig locates the data directory and retention policy.
type StorageConfig struct {
	DataDir               string `yaml:"data_dir"`
	SnapshotRetentionDays int    `yaml:"snapshot_retention_days"`
	ArchiveEnabled        bool   `yaml:"archive_enabled"`
}

// NotificationConfig configures the outbound alert sink.
type NotificationConfig struct {
	TelegramEnabled      bool    `yaml:"telegram_enabled"`
	TokenEnv             string  `yaml:"token_env"`
	ChatIDEnv            string  `yaml:"chat_id_env"`
	MaxRetries           int     `yaml:"max_retries"`
	BackoffBaseSec       float64 `yaml:"backoff_base_sec"`
	RetryAfterDefaultSec int     `yaml:"retry_after_default_sec"`
}

// MetricsConfig enables the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DevConfig holds simulation settings for running against video files.
type DevConfig struct {
	Simulate   bool     `yaml:"simulate"`
	VideoFiles []string `yaml:"video_files"`
}

// EnrollConfig holds sample-quality gates for webcam enrollment.
type EnrollConfig struct {
	WebcamIndex    int     `yaml:"webcam_index"`
	MinDetScore    float64 `yaml:"min_det_score"`
	MinFaceWidthPx int     `yaml:"min_face_width_px"`
}

// Config is the full application configuration.
type Config struct {
	Outlet       OutletConfig       `yaml:"outlet"`
	Camera       CameraConfig       `yaml:"camera"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Presence     PresenceConfig     `yaml:"presence"`
	Inference    InferenceConfig    `yaml:"inference"`
	Storage      StorageConfig      `yaml:"storage"`
	Notification NotificationConfig `yaml:"notification"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Dev          DevConfig          `yaml:"dev"`
	Enroll       EnrollConfig       `yaml:"enroll"`
}

const (
	DefaultTokenEnv  = "SPG_TELEGRAM_BOT_TOKEN"
	DefaultChatIDEnv = "SPG_TELEGRAM_CHAT_ID"
)

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config file %s: invalid YAML: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.ProcessFPS == 0 {
		c.Camera.ProcessFPS = 5
	}
	if c.Camera.PreviewWidth == 0 {
		c.Camera.PreviewWidth = 640
	}
	if c.Camera.PreviewQuality == 0 {
		c.Camera.PreviewQuality = 80
	}
	if c.Camera.PreviewSaveIntervalSec == 0 {
		c.Camera.PreviewSaveIntervalSec = 0.2
	}
	if c.Recognition.DetSize == 0 {
		c.Recognition.DetSize = 640
	}
	if c.Inference.MaxFrameHeight == 0 {
		c.Inference.MaxFrameHeight = 720
	}
	if c.Inference.MaxFrameWidth == 0 {
		c.Inference.MaxFrameWidth = 1280
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Notification.TokenEnv == "" {
		c.Notification.TokenEnv = DefaultTokenEnv
	}
	if c.Notification.ChatIDEnv == "" {
		c.Notification.ChatIDEnv = DefaultChatIDEnv
	}
	if c.Notification.MaxRetries == 0 {
		c.Notification.MaxRetries = 3
	}
	if c.Notification.BackoffBaseSec == 0 {
		c.Notification.BackoffBaseSec = 2
	}
	if c.Notification.RetryAfterDefaultSec == 0 {
		c.Notification.RetryAfterDefaultSec = 5
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9180"
	}
	if c.Enroll.MinDetScore == 0 {
		c.Enroll.MinDetScore = 0.60
	}
	if c.Enroll.MinFaceWidthPx == 0 {
		c.Enroll.MinFaceWidthPx = 100
	}
}

// Validate checks cross-field invariants. Any error here is fatal at
// startup.
func (c *Config) Validate() error {
	if c.Outlet.ID == "" {
		return fmt.Errorf("outlet.id is required")
	}
	if len(c.Outlet.Cameras) == 0 && !c.Dev.Simulate {
		return fmt.Errorf("outlet.cameras must list at least one camera (or set dev.simulate)")
	}
	seen := map[string]bool{}
	for i, cam := range c.Outlet.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("outlet.cameras[%d].id is required", i)
		}
		if cam.Source == "" {
			return fmt.Errorf("outlet.cameras[%d].source is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("outlet.cameras: duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}
	if c.Camera.ProcessFPS < 1 {
		return fmt.Errorf("camera.process_fps must be >= 1, got %d", c.Camera.ProcessFPS)
	}
	if c.Recognition.Threshold <= 0 || c.Recognition.Threshold > 1 {
		return fmt.Errorf("recognition.threshold must be in (0, 1], got %v", c.Recognition.Threshold)
	}
	if c.Presence.GraceSeconds < 0 || c.Presence.AbsentSeconds < 0 {
		return fmt.Errorf("presence thresholds must be non-negative")
	}
	if c.Presence.GraceSeconds > c.Presence.AbsentSeconds {
		return fmt.Errorf("presence.grace_seconds (%d) must not exceed presence.absent_seconds (%d)",
			c.Presence.GraceSeconds, c.Presence.AbsentSeconds)
	}
	if c.Inference.FrameSkip < 0 {
		return fmt.Errorf("inference.frame_skip must be >= 0, got %d", c.Inference.FrameSkip)
	}
	if c.Inference.MaxFrameHeight < 1 || c.Inference.MaxFrameWidth < 1 {
		return fmt.Errorf("inference.max_frame_{height,width} must be positive")
	}
	return nil
}

// TelegramCredentials reads the bot token and chat id from the configured
// environment variables. Both must be present when Telegram is enabled.
func (c *Config) TelegramCredentials() (token, chatID string, err error) {
	token = os.Getenv(c.Notification.TokenEnv)
	chatID = os.Getenv(c.Notification.ChatIDEnv)
	if token == "" || chatID == "" {
		return "", "", fmt.Errorf("missing %s or %s in environment",
			c.Notification.TokenEnv, c.Notification.ChatIDEnv)
	}
	return token, chatID, nil
}
