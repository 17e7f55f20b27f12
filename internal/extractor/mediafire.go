package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

const mediafireAPIEndpoint = "https://www.mediafire.com/api/1.5"

var (
	mediafireFilePattern = regexp.MustCompile(
		`https?://(?:www\.)?mediafire\.com/(?:file(?:_premium)?/|view/\??|download(?:\.php\?|/)|\?)([a-zA-Z0-9]+)`)
	mediafireFolderPattern = regexp.MustCompile(
		`https?://(?:www\.)?mediafire\.com/(?:folder/|\?sharekey=)([a-zA-Z0-9]+)`)

	mediafireCaptcha = regexp.MustCompile(`(?i)solvemedia|recaptcha|hcaptcha|captcha|challenge|verification`)

	mediafireDownloadBtn = regexp.MustCompile(`(?s)<a[^>]*id="downloadButton"[^>]*>`)
	mediafireScrambled   = regexp.MustCompile(`data-scrambled-url="([^"]+)"`)
	mediafireHref        = regexp.MustCompile(`href="([^"]+)"`)
	mediafireFilename    = regexp.MustCompile(`(?s)<div class="filename">\s*(.*?)\s*</div>`)
	mediafireSizeInfo    = regexp.MustCompile(`(?s)<span class="dl-info">(.*?)</span>`)
)

// mediafireMaxAttempts bounds transient-failure retries per link.
const mediafireMaxAttempts = 3

// MediaFireExtractor resolves mediafire.com file and folder links, first
// through the public API and then by scraping the download page when the API
// has nothing.
type MediaFireExtractor struct {
	client *pkghttp.Client
	pacer  *pacer.Pacer
	api    string
}

// NewMediaFireExtractor builds the extractor. A nil pacer gets the stock
// tuning.
func NewMediaFireExtractor(client *pkghttp.Client, p *pacer.Pacer) *MediaFireExtractor {
	if p == nil {
		p = pacer.Default()
	}

	return &MediaFireExtractor{client: client, pacer: p, api: mediafireAPIEndpoint}
}

func (m *MediaFireExtractor) Name() string { return "mediafire" }

func (m *MediaFireExtractor) CanHandle(url string) bool {
	return mediafireFilePattern.MatchString(url) || mediafireFolderPattern.MatchString(url)
}

func mediafireID(rawURL string) (id string, folder bool, err error) {
	if match := mediafireFolderPattern.FindStringSubmatch(rawURL); match != nil {
		return match[1], true, nil
	}
	if match := mediafireFilePattern.FindStringSubmatch(rawURL); match != nil {
		return match[1], false, nil
	}
	return "", false, fmt.Errorf("%w: not a mediafire link: %s", ErrInvalidURL, rawURL)
}

type mediafireInfoResponse struct {
	Response struct {
		Result   string `json:"result"`
		FileInfo struct {
			Filename string `json:"filename"`
			Size     string `json:"size"`
			Hash     string `json:"hash"`
			Links    struct {
				NormalDownload string `json:"normal_download"`
			} `json:"links"`
		} `json:"file_info"`
	} `json:"response"`
}

func (m *MediaFireExtractor) Extract(ctx context.Context, rawURL, password string) ([]FileInfo, error) {
	id, folder, err := mediafireID(rawURL)
	if err != nil {
		return nil, err
	}

	if folder {
		info, err := m.ExtractFolder(ctx, rawURL, password)
		if err != nil {
			return nil, err
		}
		return info.Files, nil
	}

	defer m.pacer.Reset()

	for attempt := 0; ; attempt++ {
		files, err := m.extractFile(ctx, rawURL, id)
		if err == nil || pkghttp.IsPermanent(err) || isDomainError(err) {
			return files, err
		}

		if attempt+1 >= mediafireMaxAttempts {
			return nil, fmt.Errorf("mediafire: giving up after %d attempts: %w", mediafireMaxAttempts, err)
		}

		logger.Infof("Retrying mediafire extraction of %s (attempt %d/%d): %v",
			rawURL, attempt+1, mediafireMaxAttempts, err)

		if err := m.pacer.Sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (m *MediaFireExtractor) extractFile(ctx context.Context, rawURL, id string) ([]FileInfo, error) {
	if info, ok := m.fileInfoFromAPI(ctx, id); ok {
		info.URL = rawURL
		return []FileInfo{*info}, nil
	}

	return m.fileInfoFromPage(ctx, rawURL)
}

// fileInfoFromAPI asks file/get_info.php for metadata and a download link.
// Any API hiccup falls through to page scraping.
func (m *MediaFireExtractor) fileInfoFromAPI(ctx context.Context, id string) (*FileInfo, bool) {
	endpoint := fmt.Sprintf("%s/file/get_info.php?quick_key=%s&response_format=json", m.api, url.QueryEscape(id))

	var resp mediafireInfoResponse
	if err := m.client.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, false
	}
	if resp.Response.Result != "Success" {
		return nil, false
	}

	fi := resp.Response.FileInfo
	size, _ := strconv.ParseInt(fi.Size, 10, 64)

	checksumType := ""
	if fi.Hash != "" {
		checksumType = "sha256"
	}

	return &FileInfo{
		Filename:      fi.Filename,
		Size:          size,
		DirectURL:     fi.Links.NormalDownload,
		Checksum:      fi.Hash,
		ChecksumType:  checksumType,
		ExtractorName: m.Name(),
	}, true
}

// fileInfoFromPage scrapes the download button out of the file page.
func (m *MediaFireExtractor) fileInfoFromPage(ctx context.Context, rawURL string) ([]FileInfo, error) {
	page, err := m.client.GetText(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	if mediafireCaptcha.MatchString(page) {
		return nil, fmt.Errorf("%w: mediafire demands a captcha", ErrNotFound)
	}

	if _, err := m.pacer.HandleRateLimited(ctx, page, maxHostWait); err != nil {
		return nil, err
	}

	btn := mediafireDownloadBtn.FindString(page)
	if btn == "" {
		return nil, fmt.Errorf("%w: no download button on %s", ErrNotFound, rawURL)
	}

	directURL := ""
	if match := mediafireScrambled.FindStringSubmatch(btn); match != nil {
		if decoded, err := base64.StdEncoding.DecodeString(match[1]); err == nil {
			directURL = string(decoded)
		}
	}
	if directURL == "" {
		if match := mediafireHref.FindStringSubmatch(btn); match != nil {
			directURL = match[1]
		}
	}
	if !strings.HasPrefix(directURL, "http") {
		return nil, fmt.Errorf("%w: no usable download link on %s", ErrNotFound, rawURL)
	}

	filename := "unknown"
	if match := mediafireFilename.FindStringSubmatch(page); match != nil {
		filename = strings.TrimSpace(match[1])
	}

	var size int64
	if match := mediafireSizeInfo.FindStringSubmatch(page); match != nil {
		size = ParseSizeString(match[1])
	}

	return []FileInfo{{
		URL:           rawURL,
		Filename:      filename,
		Size:          size,
		DirectURL:     directURL,
		ExtractorName: m.Name(),
	}}, nil
}

type mediafireFolderContent struct {
	Response struct {
		FolderContent struct {
			Files []struct {
				QuickKey string `json:"quickkey"`
			} `json:"files"`
		} `json:"folder_content"`
	} `json:"response"`
}

// ExtractFolder pages through folder/get_content.php and extracts each file
// by its quick key.
func (m *MediaFireExtractor) ExtractFolder(ctx context.Context, rawURL, password string) (*FolderInfo, error) {
	id, folder, err := mediafireID(rawURL)
	if err != nil {
		return nil, err
	}
	if !folder {
		return nil, fmt.Errorf("%w: not a mediafire folder link: %s", ErrInvalidURL, rawURL)
	}

	const chunkSize = 1000

	info := &FolderInfo{URL: rawURL, Name: id}
	for chunk := 1; ; chunk++ {
		endpoint := fmt.Sprintf(
			"%s/folder/get_content.php?folder_key=%s&content_type=files&chunk=%d&chunk_size=%d&filter=public&response_format=json",
			m.api, url.QueryEscape(id), chunk, chunkSize)

		var resp mediafireFolderContent
		if err := m.client.GetJSON(ctx, endpoint, nil, &resp); err != nil {
			return nil, err
		}

		chunkFiles := resp.Response.FolderContent.Files
		if len(chunkFiles) == 0 {
			break
		}

		for _, f := range chunkFiles {
			fileURL := fmt.Sprintf("https://www.mediafire.com/file/%s", f.QuickKey)
			files, err := m.Extract(ctx, fileURL, password)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warnf("Skipping mediafire folder entry %s: %v", f.QuickKey, err)
				continue
			}
			for i := range files {
				files[i].ParentFolder = info.Name
			}
			info.Files = append(info.Files, files...)
		}

		if len(chunkFiles) < chunkSize {
			break
		}
	}

	return info, nil
}

// isDomainError reports whether err is one of the extractor sentinels the
// engine never retries.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPasswordRequired) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, pacer.ErrWaitTooLong)
}
