package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/vidgrab/internal/video"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ARTIFACT_DIR", "/tmp/vidgrab")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vidgrab", cfg.ArtifactDir)
	assert.Equal(t, "ytdlp", cfg.Extractor)
	assert.Equal(t, 5, cfg.MaxParallel)
	assert.Equal(t, 10*time.Minute, cfg.MaxFetchDuration)
	assert.EqualValues(t, 3, cfg.FetchRetries)
	assert.Equal(t, 30*time.Minute, cfg.Retention)
	assert.True(t, cfg.DegradedFSStatus)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
	assert.Equal(t, 10*time.Minute, cfg.Web.WriteTimeout)
	assert.Equal(t, "vidgrab", cfg.Telemetry.ServiceName)
}

func TestLoadConfigRequiresArtifactDir(t *testing.T) {
	t.Setenv("ARTIFACT_DIR", "")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "ARTIFACT_DIR must not be empty")

	t.Setenv("ARTIFACT_DIR", "   ")

	_, err = LoadConfig()
	require.Error(t, err)
}

func TestFreeTierMax(t *testing.T) {
	t.Setenv("ARTIFACT_DIR", "/data")
	t.Setenv("FREE_MAX_QUALITY", "Medium")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, video.QualityMedium, cfg.FreeTierMax())

	cfg.FreeMaxQuality = "LOW"
	assert.Equal(t, video.QualityLow, cfg.FreeTierMax())

	cfg.FreeMaxQuality = "bogus"
	assert.Equal(t, video.QualityHigh, cfg.FreeTierMax())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ARTIFACT_DIR", "/data")
	t.Setenv("EXTRACTOR", "remote")
	t.Setenv("EXTRACTOR_URL", "http://extractor:8000")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")
	t.Setenv("MAX_FETCH_DURATION", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "remote", cfg.Extractor)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
	assert.Equal(t, 90*time.Second, cfg.MaxFetchDuration)
}

func validConfig() Config {
	return Config{
		ArtifactDir:      "/data",
		Extractor:        "ytdlp",
		YtdlpPath:        "yt-dlp",
		FreeMaxQuality:   "high",
		MaxParallel:      1,
		MaxFetchDuration: time.Minute,
		ProgressStep:     5,
		Retention:        time.Minute,
		RecordRetention:  time.Hour,
		SweepInterval:    time.Second,
		LogFormat:        "auto",
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"unknown extractor":       func(c *Config) { c.Extractor = "scraper" },
		"remote without url":      func(c *Config) { c.Extractor = "remote" },
		"both entitlement stores": func(c *Config) { c.PlansFile = "p.yaml"; c.SubscriptionURL = "http://s" },
		"bad free quality":        func(c *Config) { c.FreeMaxQuality = "8k" },
		"blank artifact dir":      func(c *Config) { c.ArtifactDir = " " },
		"no parallelism":          func(c *Config) { c.MaxParallel = 0 },
		"progress step too big":   func(c *Config) { c.ProgressStep = 101 },
		"records outlived by files": func(c *Config) {
			c.RecordRetention = time.Second
		},
		"unknown log format": func(c *Config) { c.LogFormat = "xml" },
	}

	base := validConfig()
	require.NoError(t, base.Validate())

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}

	for in, want := range cases {
		c := Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel(), in)
	}
}
