package workload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tork-perf/internal/probe"

	"github.com/pkg/errors"
)

// Downloader fetches one file through the subject's SOCKS listener.
type Downloader struct {
	URL    string
	client *http.Client
}

func NewDownloader(url, socksAddr string, timeout time.Duration) (*Downloader, error) {
	client, err := probe.SOCKSClient(socksAddr, timeout)
	if err != nil {
		return nil, err
	}
	return &Downloader{URL: url, client: client}, nil
}

// Download performs one GET, following redirects, and returns the number of
// body bytes received.
func (d *Downloader) Download(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", d.URL)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, errors.Wrapf(err, "read %s", d.URL)
	}
	if resp.StatusCode >= 400 {
		return n, fmt.Errorf("get %s: %s", d.URL, resp.Status)
	}
	return n, nil
}
