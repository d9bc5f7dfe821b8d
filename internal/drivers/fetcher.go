package drivers

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// HTTPFetcher stages driver packages into Dir. HTTP(S) locators are
// downloaded with bounded retries; file:// locators are copied, which
// keeps air-gapped factory repositories working.
type HTTPFetcher struct {
	Dir    string
	client *retryablehttp.Client
}

func NewHTTPFetcher(dir string, timeout time.Duration) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &HTTPFetcher{Dir: dir, client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("invalid repository locator %q: %w", locator, err)
	}

	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(f.Dir, stagedName(u))

	switch u.Scheme {
	case "http", "https":
		return dest, f.download(ctx, locator, dest)
	case "file", "":
		return dest, copyFile(u.Path, dest)
	default:
		return "", fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}

func (f *HTTPFetcher) download(ctx context.Context, locator, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", locator, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != 200 {
		return fmt.Errorf("fetching %s: unexpected status %s", locator, resp.Status)
	}

	tmp, err := os.CreateTemp(f.Dir, ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"locator": locator, "path": dest}).Debug("driver package staged")
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return out.Close()
}

// stagedName derives a stable filename from a locator so re-staging
// the same repository overwrites rather than accumulates.
func stagedName(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		base = "package"
	}
	host := strings.ReplaceAll(u.Host, ":", "_")
	if host == "" {
		return base
	}
	return host + "-" + base
}
