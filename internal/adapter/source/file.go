// Package source downloads remote data files over HTTP(S) and FTP.
package source

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// ErrNotFound is returned when the remote file does not exist (yet).
var ErrNotFound = domain.ErrSourceUnavailable

// writeFile streams r into dest through a temporary sibling so a failed
// download never leaves a truncated file under the final name.
// gunzip decompresses the stream on the way.
func writeFile(dest string, r io.Reader, gunzip bool) (err error) {
	if gunzip {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// needsGunzip reports whether a remote .gz file should be expanded locally.
func needsGunzip(remotePath, dest string) bool {
	return strings.HasSuffix(remotePath, ".gz") && !strings.HasSuffix(dest, ".gz")
}

// baseNames reduces listing entries to their final path element.
func baseNames(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSuffix(e, "/")
		if e == "" || e == "." || e == ".." {
			continue
		}
		out = append(out, path.Base(e))
	}
	return out
}
