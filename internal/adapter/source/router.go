package source

import (
	"context"
	"fmt"
	"net/url"
)

// Router dispatches fetches to the HTTP or FTP fetcher by URL scheme.
type Router struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// Fetch downloads rawURL into dest.
func (r Router) Fetch(ctx context.Context, rawURL, dest string) error {
	switch scheme(rawURL) {
	case "http", "https":
		if r.HTTP != nil {
			return r.HTTP.Fetch(ctx, rawURL, dest)
		}
	case "ftp":
		if r.FTP != nil {
			return r.FTP.Fetch(ctx, rawURL, dest)
		}
	}
	return fmt.Errorf("no fetcher for %q", rawURL)
}

// List returns the base names in a remote directory.
func (r Router) List(ctx context.Context, dirURL string) ([]string, error) {
	switch scheme(dirURL) {
	case "http", "https":
		if r.HTTP != nil {
			return r.HTTP.List(ctx, dirURL)
		}
	case "ftp":
		if r.FTP != nil {
			return r.FTP.List(ctx, dirURL)
		}
	}
	return nil, fmt.Errorf("no fetcher for %q", dirURL)
}

func scheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme
}
