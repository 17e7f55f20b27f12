package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

// oneFichierDomains covers 1fichier.com and the mirror domains the service
// has accumulated over the years.
var oneFichierDomains = []string{
	"1fichier.com",
	"alterupload.com",
	"cjoint.net",
	"desfichiers.com",
	"dl4free.com",
	"megadl.fr",
	"mesfichiers.org",
	"piecejointe.net",
	"pjointe.com",
	"tenvoi.com",
}

var (
	oneFichierAltPattern = regexp.MustCompile(`https?://([a-zA-Z0-9]+)\.(?:1fichier\.com|dl4free\.com)`)

	oneFichierForm      = regexp.MustCompile(`(?is)<form[^>]+method="post"[^>]*>(.*?)</form>`)
	oneFichierFormInput = regexp.MustCompile(`(?is)<input[^>]*>`)
	oneFichierInputName = regexp.MustCompile(`(?i)name="([^"]*)"`)
	oneFichierInputVal  = regexp.MustCompile(`(?i)value="([^"]*)"`)
	oneFichierOKLink    = regexp.MustCompile(`(?is)<a[^>]+class="ok[^"]*"[^>]+href="([^"]+)"`)
	oneFichierAnyLink   = regexp.MustCompile(`https?://[^"'>\s]+\.1fichier\.com[^"'>\s]*`)
	oneFichierFilename  = regexp.MustCompile(`(?is)<td class="normal">\s*(.*?)\s*</td>`)
	oneFichierTitle     = regexp.MustCompile(`(?is)<title>\s*(.*?)\s*</title>`)
	oneFichierSize      = regexp.MustCompile(`(?i)[\d.,]+\s*(?:KB|MB|GB|TB|Ko|Mo|Go|To)`)
	oneFichierPassword  = regexp.MustCompile(`(?i)<input[^>]+name="pass"`)
)

// oneFichierMaxWait is the longest announced queue delay worth sitting
// through before the link is declared stuck.
const oneFichierMaxWait = 300 * time.Second

// errOneFichierCooldown signals that a host-announced delay was honored and
// the page has to be fetched again.
var errOneFichierCooldown = errors.New("1fichier: host cooldown honored")

// OneFichierExtractor resolves 1fichier links, including the anonymous
// download form and the service's mirror domains.
type OneFichierExtractor struct {
	client *pkghttp.Client
	pacer  *pacer.Pacer
}

// NewOneFichierExtractor builds the extractor. A nil pacer gets the stock
// tuning.
func NewOneFichierExtractor(client *pkghttp.Client, p *pacer.Pacer) *OneFichierExtractor {
	if p == nil {
		p = pacer.Default()
	}

	return &OneFichierExtractor{client: client, pacer: p}
}

func (o *OneFichierExtractor) Name() string { return "1fichier" }

func (o *OneFichierExtractor) CanHandle(rawURL string) bool {
	if oneFichierAltPattern.MatchString(rawURL) {
		return true
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, domain := range oneFichierDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (o *OneFichierExtractor) Extract(ctx context.Context, rawURL, password string) ([]FileInfo, error) {
	defer o.pacer.Reset()

	for attempt := 0; ; attempt++ {
		files, err := o.extract(ctx, rawURL, password)
		if err == nil || pkghttp.IsPermanent(err) || isDomainError(err) {
			return files, err
		}

		if attempt+1 >= 3 {
			return nil, fmt.Errorf("1fichier: giving up after %d attempts: %w", attempt+1, err)
		}

		logger.Infof("Retrying 1fichier extraction of %s: %v", rawURL, err)
		if errors.Is(err, errOneFichierCooldown) {
			// The cooldown itself was the wait; refetch immediately.
			continue
		}
		if serr := o.pacer.Sleep(ctx); serr != nil {
			return nil, serr
		}
	}
}

func (o *OneFichierExtractor) extract(ctx context.Context, rawURL, password string) ([]FileInfo, error) {
	// LG=en pins the page language so the phrase matching below holds.
	headers := map[string]string{"Cookie": "LG=en"}

	page, err := o.client.GetText(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}

	// The anonymous download flow is a self-submitting form.
	if form := oneFichierForm.FindStringSubmatch(page); form != nil {
		page, err = o.submitForm(ctx, rawURL, form[1], password)
		if err != nil {
			return nil, err
		}
	}

	if err := o.inspectPage(ctx, page, password); err != nil {
		return nil, err
	}

	directURL := ""
	if match := oneFichierOKLink.FindStringSubmatch(page); match != nil {
		directURL = match[1]
	} else if match := oneFichierAnyLink.FindString(page); match != "" {
		directURL = match
	}
	if directURL == "" {
		return nil, fmt.Errorf("%w: no download link on %s", ErrNotFound, rawURL)
	}

	return []FileInfo{{
		URL:           rawURL,
		Filename:      o.filenameFrom(page),
		Size:          o.sizeFrom(page),
		DirectURL:     directURL,
		ExtractorName: o.Name(),
	}}, nil
}

// submitForm replays the hidden inputs of the download form, forcing the
// plain-HTTP transfer option off and attaching the password when one was
// given.
func (o *OneFichierExtractor) submitForm(ctx context.Context, rawURL, form, password string) (string, error) {
	values := url.Values{}
	for _, tag := range oneFichierFormInput.FindAllString(form, -1) {
		name := oneFichierInputName.FindStringSubmatch(tag)
		if name == nil || name[1] == "" || name[1] == "save" {
			continue
		}
		value := ""
		if v := oneFichierInputVal.FindStringSubmatch(tag); v != nil {
			value = v[1]
		}
		values.Set(name[1], value)
	}
	values.Set("dl_no_ssl", "on")
	if password != "" {
		values.Set("pass", password)
	}

	headers := map[string]string{
		"Cookie":  "LG=en",
		"Referer": rawURL,
	}

	resp, err := o.client.Post(ctx, rawURL, "application/x-www-form-urlencoded",
		[]byte(values.Encode()), headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// inspectPage classifies the page before any link scraping: hard failures,
// password walls and announced queue delays.
func (o *OneFichierExtractor) inspectPage(ctx context.Context, page, password string) error {
	switch {
	case strings.Contains(page, "Without subscription"),
		strings.Contains(page, "Our services are in maintenance"):
		return fmt.Errorf("%w: 1fichier is in maintenance or the file was removed", ErrNotFound)
	case strings.Contains(page, "not possible to unregistered users"),
		strings.Contains(page, "need a subscription"):
		return fmt.Errorf("%w: 1fichier restricts this file to subscribers", ErrNotFound)
	case strings.Contains(page, "Free download in"):
		return fmt.Errorf("%w: 1fichier queued the download behind a countdown", ErrNotFound)
	}

	if password == "" && oneFichierPassword.MatchString(page) {
		return ErrPasswordRequired
	}

	handled, err := o.pacer.HandleRateLimited(ctx, page, oneFichierMaxWait)
	if err != nil {
		return err
	}
	if handled {
		// The announced delay has been sat out; the page is stale now.
		return errOneFichierCooldown
	}
	return nil
}

func (o *OneFichierExtractor) filenameFrom(page string) string {
	if match := oneFichierFilename.FindStringSubmatch(page); match != nil {
		return strings.TrimSpace(match[1])
	}
	if match := oneFichierTitle.FindStringSubmatch(page); match != nil {
		title := match[1]
		if idx := strings.Index(title, " - "); idx > 0 {
			title = title[:idx]
		}
		if title = strings.TrimSpace(title); title != "" {
			return title
		}
	}
	return "unknown"
}

func (o *OneFichierExtractor) sizeFrom(page string) int64 {
	if match := oneFichierSize.FindString(page); match != "" {
		return ParseSizeString(match)
	}
	return 0
}
