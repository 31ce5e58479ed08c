package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// MaxBlobSize is the hard ceiling on fetched blob bytes. Reads stop
	// and the fetch fails as soon as the body exceeds it.
	MaxBlobSize = 10 * 1024 * 1024

	// DetectBudget is how many leading bytes format detection may
	// consume before the blob is rejected as unrecognizable.
	DetectBudget = 32 * 1024

	fetchTimeout = 10 * time.Second
)

var (
	// ErrTooLarge means the upstream body exceeded MaxBlobSize.
	ErrTooLarge = errors.New("blob exceeds maximum allowed size")

	// ErrUpstreamStatus means the upstream returned a non-200 response.
	ErrUpstreamStatus = errors.New("unexpected upstream status")
)

// FetchGuard downloads blobs from PDS hosts with a size ceiling, a
// per-request timeout, and early format detection. A single failed
// request is a failed request; the guard never retries on its own.
type FetchGuard struct {
	client *http.Client
}

func NewFetchGuard() *FetchGuard {
	return &FetchGuard{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// BlobURL builds the sync.getBlob XRPC URL for a blob on the given PDS host.
func BlobURL(pdsEndpoint, did, cid string) string {
	return fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s",
		pdsEndpoint, url.QueryEscape(did), url.QueryEscape(cid))
}

// Fetch downloads the blob at rawURL, enforcing the size ceiling while
// streaming. The returned slice never exceeds MaxBlobSize.
func (g *FetchGuard) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	blob, _, err := g.fetch(ctx, rawURL, false)
	return blob, err
}

// FetchImage downloads an image blob, sniffing its format incrementally
// as bytes arrive. If the leading DetectBudget bytes never resolve to an
// allowed format, the download is abandoned without reading the rest of
// the body. On success the full blob and its sniffed header are returned.
func (g *FetchGuard) FetchImage(ctx context.Context, rawURL string) ([]byte, *ImageInfo, error) {
	return g.fetch(ctx, rawURL, true)
}

func (g *FetchGuard) fetch(ctx context.Context, rawURL string, sniff bool) ([]byte, *ImageInfo, error) {
	start := time.Now()
	defer func() {
		blobFetchDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create blob request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		blobFetchCount.WithLabelValues("error").Inc()
		return nil, nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		blobFetchCount.WithLabelValues(fmt.Sprint(resp.StatusCode)).Inc()
		return nil, nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var info *ImageInfo
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if len(buf)+n > MaxBlobSize {
				blobFetchCount.WithLabelValues("too_large").Inc()
				return nil, nil, ErrTooLarge
			}
			buf = append(buf, chunk[:n]...)

			if sniff && info == nil && len(buf) >= MinSniffBytes {
				res, sniffErr := SniffImage(buf)
				if sniffErr == nil {
					info = res
				} else if len(buf) >= DetectBudget {
					blobFetchCount.WithLabelValues("bad_format").Inc()
					return nil, nil, sniffErr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			blobFetchCount.WithLabelValues("error").Inc()
			return nil, nil, fmt.Errorf("failed to read blob body: %w", err)
		}
	}

	if sniff && info == nil {
		// body ended before detection succeeded
		res, sniffErr := SniffImage(buf)
		if sniffErr != nil {
			blobFetchCount.WithLabelValues("bad_format").Inc()
			return nil, nil, sniffErr
		}
		info = res
	}

	blobFetchCount.WithLabelValues("ok").Inc()
	return buf, info, nil
}
