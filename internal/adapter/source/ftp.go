package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/couchcryptid/nrt-data-ingest/internal/retry"
)

// FTPFetcher downloads files from FTP servers, anonymously unless the URL
// carries credentials. Each call opens its own control connection.
type FTPFetcher struct {
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// NewFTPFetcher creates an FTP fetcher with the given dial timeout and retry policy.
func NewFTPFetcher(timeout time.Duration, policy retry.Policy, logger *slog.Logger) *FTPFetcher {
	policy.Retryable = retryableFTP
	return &FTPFetcher{timeout: timeout, policy: policy, logger: logger}
}

// Fetch retrieves rawURL (ftp://host/path) into dest. A 550 reply yields ErrNotFound.
func (f *FTPFetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	addr, user, pass, remote, err := parseFTPURL(rawURL)
	if err != nil {
		return err
	}

	return retry.Do(ctx, f.policy, func(ctx context.Context) error {
		conn, err := f.dial(ctx, addr, user, pass)
		if err != nil {
			return err
		}
		defer conn.Quit()

		resp, err := conn.Retr(remote)
		if err != nil {
			return fmt.Errorf("RETR %s: %w", rawURL, classifyFTP(err))
		}
		defer resp.Close()
		return writeFile(dest, resp, needsGunzip(remote, dest))
	}, f.notify(rawURL))
}

// List returns the base names in a remote directory.
func (f *FTPFetcher) List(ctx context.Context, dirURL string) ([]string, error) {
	addr, user, pass, remote, err := parseFTPURL(dirURL)
	if err != nil {
		return nil, err
	}

	var names []string
	err = retry.Do(ctx, f.policy, func(ctx context.Context) error {
		conn, err := f.dial(ctx, addr, user, pass)
		if err != nil {
			return err
		}
		defer conn.Quit()

		names, err = conn.NameList(remote)
		if err != nil {
			return fmt.Errorf("NLST %s: %w", dirURL, classifyFTP(err))
		}
		return nil
	}, f.notify(dirURL))
	if err != nil {
		return nil, err
	}
	return baseNames(names), nil
}

func (f *FTPFetcher) dial(ctx context.Context, addr, user, pass string) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.timeout))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login %s: %w", addr, err)
	}
	return conn, nil
}

func (f *FTPFetcher) notify(rawURL string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		f.logger.Warn("fetch failed, retrying", "url", rawURL, "attempt", attempt, "wait", wait, "error", err)
	}
}

func parseFTPURL(rawURL string) (addr, user, pass, remote string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "ftp" || u.Host == "" {
		return "", "", "", "", fmt.Errorf("not an ftp url: %q", rawURL)
	}

	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}
	user, pass = "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	remote = u.Path
	if remote == "" {
		remote = "/"
	}
	return addr, user, pass, remote, nil
}

// classifyFTP maps "file unavailable" replies to ErrNotFound.
func classifyFTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable {
		return fmt.Errorf("%w: %s", ErrNotFound, te.Msg)
	}
	return err
}

func retryableFTP(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}
