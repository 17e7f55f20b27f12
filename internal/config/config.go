package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "hostget"

// Config holds the configuration options for the application.
type Config struct {
	MaxConcurrentDownloads int             `yaml:"maxConcurrentDownloads,omitempty"`
	Download               *DownloadConfig `yaml:"download,omitempty"`
	Http                   *HttpConfig     `yaml:"http,omitempty"`
	Pacer                  *PacerConfig    `yaml:"pacer,omitempty"`
}

// DownloadConfig holds per-transfer options.
type DownloadConfig struct {
	Dir           string        `yaml:"dir,omitempty"`
	ChunkSize     int           `yaml:"chunkSize,omitempty"`
	ChunkTimeout  time.Duration `yaml:"chunkTimeout,omitempty"`
	MaxRetries    int           `yaml:"maxRetries,omitempty"`
	DisableResume bool          `yaml:"disableResume,omitempty"`
	SpeedLimit    int64         `yaml:"speedLimit,omitempty"`
	SkipChecksum  bool          `yaml:"skipChecksum,omitempty"`
}

// HttpConfig holds transport tuning.
type HttpConfig struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout,omitempty"`
	ReadTimeout       time.Duration `yaml:"readTimeout,omitempty"`
	MaxRetries        int           `yaml:"maxRetries,omitempty"`
	UserAgent         string        `yaml:"userAgent,omitempty"`
}

// PacerConfig tunes host backoff behavior.
type PacerConfig struct {
	MinBackoff   time.Duration `yaml:"minBackoff,omitempty"`
	MaxBackoff   time.Duration `yaml:"maxBackoff,omitempty"`
	FloodSleep   time.Duration `yaml:"floodSleep,omitempty"`
	JitterFactor float64       `yaml:"jitterFactor,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	downloadCfg := zeroOr(cfg.Download, defaults.Download)
	httpCfg := zeroOr(cfg.Http, defaults.Http)
	pacerCfg := zeroOr(cfg.Pacer, defaults.Pacer)

	return &Config{
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		Download: &DownloadConfig{
			Dir:           zeroOr(downloadCfg.Dir, defaults.Download.Dir),
			ChunkSize:     zeroOr(downloadCfg.ChunkSize, defaults.Download.ChunkSize),
			ChunkTimeout:  zeroOr(downloadCfg.ChunkTimeout, defaults.Download.ChunkTimeout),
			MaxRetries:    zeroOr(downloadCfg.MaxRetries, defaults.Download.MaxRetries),
			DisableResume: downloadCfg.DisableResume,
			SpeedLimit:    downloadCfg.SpeedLimit,
			SkipChecksum:  downloadCfg.SkipChecksum,
		},
		Http: &HttpConfig{
			RequestsPerSecond: zeroOr(httpCfg.RequestsPerSecond, defaults.Http.RequestsPerSecond),
			ConnectTimeout:    zeroOr(httpCfg.ConnectTimeout, defaults.Http.ConnectTimeout),
			ReadTimeout:       zeroOr(httpCfg.ReadTimeout, defaults.Http.ReadTimeout),
			MaxRetries:        zeroOr(httpCfg.MaxRetries, defaults.Http.MaxRetries),
			UserAgent:         httpCfg.UserAgent,
		},
		Pacer: &PacerConfig{
			MinBackoff:   zeroOr(pacerCfg.MinBackoff, defaults.Pacer.MinBackoff),
			MaxBackoff:   zeroOr(pacerCfg.MaxBackoff, defaults.Pacer.MaxBackoff),
			FloodSleep:   zeroOr(pacerCfg.FloodSleep, defaults.Pacer.FloodSleep),
			JitterFactor: zeroOr(pacerCfg.JitterFactor, defaults.Pacer.JitterFactor),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: maxConcurrentDownloads,
		Download: &DownloadConfig{
			Dir:          downloadDir,
			ChunkSize:    chunkSize,
			ChunkTimeout: chunkTimeout,
			MaxRetries:   maxRetries,
		},
		Http: &HttpConfig{
			RequestsPerSecond: requestsPerSecond,
			ConnectTimeout:    connectTimeout,
			ReadTimeout:       readTimeout,
			MaxRetries:        httpMaxRetries,
		},
		Pacer: &PacerConfig{
			MinBackoff:   pacerMinBackoff,
			MaxBackoff:   pacerMaxBackoff,
			FloodSleep:   pacerFloodSleep,
			JitterFactor: pacerJitterFactor,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
