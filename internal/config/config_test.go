package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/adrg/xdg"
	cfg "github.com/hostget/hostget/internal/config"
)

func withTempConfigHome(t *testing.T) (restore func(), dir string, file string) {
	t.Helper()
	orig := xdg.ConfigHome
	dir = t.TempDir()
	xdg.ConfigHome = dir
	restore = func() { xdg.ConfigHome = orig }
	file = filepath.Join(dir, "hostget")
	return
}

func TestGetConfig_Table(t *testing.T) {
	restore, _, cfgFile := withTempConfigHome(t)
	defer restore()

	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config, def cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
			check:     func(t *testing.T, _ *cfg.Config, _ cfg.Config) {},
		},
		{
			name:     "no_subconfigs_uses_defaults_for_nested",
			preWrite: true,
			contents: "maxConcurrentDownloads: 1\n",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.MaxConcurrentDownloads != 1 {
					t.Fatalf("maxConcurrentDownloads not applied, got %d", got.MaxConcurrentDownloads)
				}
				// Download, Http and Pacer should fall back to defaults when nil in file
				if !reflect.DeepEqual(*got.Download, *def.Download) {
					t.Fatalf("download defaults not applied\nwant: %#v\ngot:  %#v", *def.Download, *got.Download)
				}
				if !reflect.DeepEqual(*got.Http, *def.Http) {
					t.Fatalf("http defaults not applied\nwant: %#v\ngot:  %#v", *def.Http, *got.Http)
				}
				if !reflect.DeepEqual(*got.Pacer, *def.Pacer) {
					t.Fatalf("pacer defaults not applied\nwant: %#v\ngot:  %#v", *def.Pacer, *got.Pacer)
				}
			},
		},
		{
			name:     "partial_override_and_fallback",
			preWrite: true,
			contents: `
maxConcurrentDownloads: 333
download:
  chunkSize: 524288
  disableResume: true
http:
  requestsPerSecond: 25
  readTimeout: 3s
pacer:
  floodSleep: 1m
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				// top-level override
				if got.MaxConcurrentDownloads != 333 {
					t.Fatalf("want MaxConcurrentDownloads=333 got %d", got.MaxConcurrentDownloads)
				}
				// download overrides
				if got.Download.ChunkSize != 524288 {
					t.Fatalf("want download.chunkSize=524288 got %d", got.Download.ChunkSize)
				}
				if got.Download.DisableResume != true {
					t.Fatalf("want download.disableResume=true got %v", got.Download.DisableResume)
				}
				// download fallbacks
				if got.Download.Dir != def.Download.Dir {
					t.Fatalf("want download.dir default %q got %q", def.Download.Dir, got.Download.Dir)
				}
				if got.Download.ChunkTimeout != def.Download.ChunkTimeout {
					t.Fatalf("want download.chunkTimeout default %s got %s", def.Download.ChunkTimeout, got.Download.ChunkTimeout)
				}
				if got.Download.MaxRetries != def.Download.MaxRetries {
					t.Fatalf("want download.maxRetries default %d got %d", def.Download.MaxRetries, got.Download.MaxRetries)
				}
				// http overrides
				if got.Http.RequestsPerSecond != 25 {
					t.Fatalf("want http.requestsPerSecond=25 got %v", got.Http.RequestsPerSecond)
				}
				if got.Http.ReadTimeout != 3*time.Second {
					t.Fatalf("want http.readTimeout=3s got %s", got.Http.ReadTimeout)
				}
				// http fallbacks
				if got.Http.ConnectTimeout != def.Http.ConnectTimeout {
					t.Fatalf("want http.connectTimeout default %s got %s", def.Http.ConnectTimeout, got.Http.ConnectTimeout)
				}
				if got.Http.MaxRetries != def.Http.MaxRetries {
					t.Fatalf("want http.maxRetries default %d got %d", def.Http.MaxRetries, got.Http.MaxRetries)
				}
				// pacer override and fallbacks
				if got.Pacer.FloodSleep != time.Minute {
					t.Fatalf("want pacer.floodSleep=1m got %s", got.Pacer.FloodSleep)
				}
				if got.Pacer.MinBackoff != def.Pacer.MinBackoff {
					t.Fatalf("want pacer.minBackoff default %s got %s", def.Pacer.MinBackoff, got.Pacer.MinBackoff)
				}
				if got.Pacer.JitterFactor != def.Pacer.JitterFactor {
					t.Fatalf("want pacer.jitterFactor default %v got %v", def.Pacer.JitterFactor, got.Pacer.JitterFactor)
				}
			},
		},
		{
			name:     "explicit_zero_values_fall_back_to_defaults",
			preWrite: true,
			contents: `
download:
  dir: ""
  chunkSize: 0
  chunkTimeout: 0s
  disableResume: false
  skipChecksum: false
  speedLimit: 0
http:
  requestsPerSecond: 0
  connectTimeout: 0s
pacer:
  minBackoff: 0s
  jitterFactor: 0
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.Download.Dir != def.Download.Dir {
					t.Fatalf("download.dir zero should fallback. want %q got %q", def.Download.Dir, got.Download.Dir)
				}
				if got.Download.ChunkSize != def.Download.ChunkSize {
					t.Fatalf("download.chunkSize zero should fallback. want %d got %d", def.Download.ChunkSize, got.Download.ChunkSize)
				}
				if got.Download.ChunkTimeout != def.Download.ChunkTimeout {
					t.Fatalf("download.chunkTimeout zero should fallback. want %s got %s", def.Download.ChunkTimeout, got.Download.ChunkTimeout)
				}
				// switches pass through untouched so false means enabled
				if got.Download.DisableResume != false {
					t.Fatalf("download.disableResume false must stay false, got %v", got.Download.DisableResume)
				}
				if got.Download.SkipChecksum != false {
					t.Fatalf("download.skipChecksum false must stay false, got %v", got.Download.SkipChecksum)
				}
				if got.Download.SpeedLimit != 0 {
					t.Fatalf("download.speedLimit zero must stay zero, got %d", got.Download.SpeedLimit)
				}
				if got.Http.RequestsPerSecond != def.Http.RequestsPerSecond {
					t.Fatalf("http.requestsPerSecond zero should fallback. want %v got %v", def.Http.RequestsPerSecond, got.Http.RequestsPerSecond)
				}
				if got.Http.ConnectTimeout != def.Http.ConnectTimeout {
					t.Fatalf("http.connectTimeout zero should fallback. want %s got %s", def.Http.ConnectTimeout, got.Http.ConnectTimeout)
				}
				if got.Pacer.MinBackoff != def.Pacer.MinBackoff {
					t.Fatalf("pacer.minBackoff zero should fallback. want %s got %s", def.Pacer.MinBackoff, got.Pacer.MinBackoff)
				}
				if got.Pacer.JitterFactor != def.Pacer.JitterFactor {
					t.Fatalf("pacer.jitterFactor zero should fallback. want %v got %v", def.Pacer.JitterFactor, got.Pacer.JitterFactor)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			// clean start each subtest
			_ = os.Remove(cfgFile)
			if tc.preWrite {
				if err := os.WriteFile(cfgFile, []byte(tc.contents), 0o600); err != nil {
					t.Fatalf("write test config: %v", err)
				}
			}
			got, err := cfg.GetConfig()
			if tc.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetConfig error: %v", err)
			}
			tc.check(t, got, def)
		})
	}
}

func TestDefaultConfig_NonNilPointers(t *testing.T) {
	d := cfg.DefaultConfig()
	if d.Download == nil {
		t.Fatalf("DefaultConfig.Download is nil")
	}
	if d.Http == nil {
		t.Fatalf("DefaultConfig.Http is nil")
	}
	if d.Pacer == nil {
		t.Fatalf("DefaultConfig.Pacer is nil")
	}
}
