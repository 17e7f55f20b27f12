package config

import (
	"time"

	"github.com/adrg/xdg"
)

const (
	maxConcurrentDownloads = 3
	maxRetries             = 3
	chunkSize              = 1 << 20
	chunkTimeout           = 60 * time.Second

	requestsPerSecond = 10.0
	connectTimeout    = 30 * time.Second
	readTimeout       = 300 * time.Second
	httpMaxRetries    = 3

	pacerMinBackoff   = 400 * time.Millisecond
	pacerMaxBackoff   = 5 * time.Second
	pacerFloodSleep   = 30 * time.Second
	pacerJitterFactor = 0.1
)

var downloadDir = xdg.UserDirs.Download
