package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Downloader fetches an announced attachment and returns the local path.
type Downloader interface {
	Download(ctx context.Context, url, filename string) (string, error)
}

// FileDownloader stores downloads under Dir, keeping only the base name of
// the announced filename.
type FileDownloader struct {
	Dir    string
	Client *http.Client
}

func (d FileDownloader) Download(ctx context.Context, url, filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.TrimSpace(filename)))
	if name == "/" || name == "." {
		return "", errors.New("attachment has no usable filename")
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", name, resp.Status)
	}

	tmp, err := os.CreateTemp(d.Dir, ".dl-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	dst := filepath.Join(d.Dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}
