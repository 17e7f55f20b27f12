// Package extractor defines the contract between the transfer engine and the
// per-host extractors that turn a share link into downloadable file
// descriptors.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Domain errors. The engine propagates these verbatim and never retries them.
var (
	ErrNotFound         = errors.New("content not found")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrNoExtractor      = errors.New("no extractor found for URL")
)

// FileInfo describes one downloadable file as produced by an extractor.
// Immutable once produced.
type FileInfo struct {
	URL       string
	Filename  string
	Size      int64
	DirectURL string

	Headers map[string]string
	Cookies map[string]string

	PasswordProtected bool

	Checksum     string
	ChecksumType string

	ParentFolder string

	ExtractorName string

	// Encrypted payloads carry AES-CTR key material; the downloader
	// decrypts the stream inline.
	EncryptionKey []byte
	EncryptionIV  []byte
	Encrypted     bool
}

// FolderInfo describes a shared folder and its contents.
type FolderInfo struct {
	URL        string
	Name       string
	Files      []FileInfo
	Subfolders []*FolderInfo
}

// Extractor is the capability interface every host adapter implements.
type Extractor interface {
	Name() string
	CanHandle(url string) bool
	Extract(ctx context.Context, url, password string) ([]FileInfo, error)
}

// FolderExtractor is implemented by hosts that expose folder listings.
type FolderExtractor interface {
	Extractor
	ExtractFolder(ctx context.Context, url, password string) (*FolderInfo, error)
}

// ValidateScheme rejects anything that is not plain http(s) with a host.
func ValidateScheme(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	return nil
}

var sizePattern = regexp.MustCompile(`(?i)([\d.]+)\s*(KB|MB|GB|TB|Ko|Mo|Go|To|K|M|G|T|B)?`)

var sizeMultipliers = map[string]int64{
	"B": 1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// ParseSizeString converts a human size like "1.5 GB" or "700 Mo" to bytes.
// Unparseable input yields zero.
func ParseSizeString(text string) int64 {
	m := sizePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	unit := strings.ToUpper(m[2])
	if unit == "" {
		unit = "B"
	}

	// French hosts write "Ko"/"Mo"/"Go"; normalize to the first letter.
	unit = unit[:1]

	multiplier, ok := sizeMultipliers[unit]
	if !ok {
		multiplier = 1
	}

	return int64(value * float64(multiplier))
}
