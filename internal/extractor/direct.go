package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

// maxHostWait bounds how long a host-announced cooldown is honored before
// the link is declared unusable.
const maxHostWait = 10 * time.Minute

// DirectExtractor handles plain file URLs that need no unwrapping. Register
// it last so host-specific extractors win. Hosts that answer with a
// cooldown page get paced retries instead of an immediate failure.
type DirectExtractor struct {
	client *pkghttp.Client
	pacer  *pacer.Pacer
}

// NewDirectExtractor builds the extractor. A nil pacer gets the stock tuning.
func NewDirectExtractor(client *pkghttp.Client, p *pacer.Pacer) *DirectExtractor {
	if p == nil {
		p = pacer.Default()
	}

	return &DirectExtractor{client: client, pacer: p}
}

func (d *DirectExtractor) Name() string { return "direct" }

func (d *DirectExtractor) CanHandle(url string) bool {
	return ValidateScheme(url) == nil
}

func (d *DirectExtractor) Extract(ctx context.Context, url, password string) ([]FileInfo, error) {
	defer d.pacer.Reset()

	const maxAttempts = 3

	for attempt := 0; ; attempt++ {
		probe, err := d.client.Probe(ctx, url, nil)
		if err == nil {
			return []FileInfo{{
				URL:           url,
				Filename:      probe.Filename,
				Size:          probe.Size,
				ExtractorName: d.Name(),
			}}, nil
		}

		if !isHostLimit(err) {
			return nil, err
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("host still rate limited after %d attempts: %w", attempt, err)
		}

		if rerr := d.honorHostCooldown(ctx, url); rerr != nil {
			return nil, rerr
		}
	}
}

func isHostLimit(err error) bool {
	var rateErr *pkghttp.RateLimitError
	return errors.As(err, &rateErr) || errors.Is(err, pkghttp.ErrTooManyRequests)
}

// honorHostCooldown reads the host's error page and sleeps whatever cooldown
// it announces. Pages with no recognizable phrase get plain paced backoff.
func (d *DirectExtractor) honorHostCooldown(ctx context.Context, url string) error {
	body, err := d.client.GetText(ctx, url, nil)
	if err != nil {
		return d.pacer.Sleep(ctx)
	}

	handled, err := d.pacer.HandleRateLimited(ctx, body, maxHostWait)
	if err != nil {
		return err
	}
	if !handled {
		return d.pacer.Sleep(ctx)
	}

	logger.Infof("Host cooldown for %s honored, retrying", url)
	return nil
}
