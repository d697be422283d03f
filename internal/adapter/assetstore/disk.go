package assetstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// DiskStore keeps collections as directories under a root. An asset's
// timestamp is recorded as the file modification time.
type DiskStore struct {
	root string
}

// NewDiskStore creates a store rooted at root.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create asset root %s", root)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) path(id string) (string, error) {
	clean, err := cleanID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

// Exists reports whether an asset or collection exists.
func (d *DiskStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := d.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", id)
	}
	return true, nil
}

// CreateCollection creates a collection (and any parents).
func (d *DiskStore) CreateCollection(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.path(id)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.MkdirAll(p, 0o755), "create collection %s", id)
}

// List returns the asset names directly inside a collection, sorted.
func (d *DiskStore) List(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.path(collection)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrDoesNotExist, "collection %s", collection)
		}
		return nil, errors.Wrapf(err, "list %s", collection)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Upload copies file into the store as id, stamped with ts.
func (d *DiskStore) Upload(ctx context.Context, file, id string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := d.path(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(dest)); err != nil {
		return errors.Wrapf(ErrDoesNotExist, "collection for %s", id)
	}

	src, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "open %s", file)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", id)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s", id)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "close %s", id)
	}
	return errors.Wrapf(os.Chtimes(dest, ts, ts), "stamp %s", id)
}

// Timestamp returns the time an asset was stamped with on upload.
func (d *DiskStore) Timestamp(ctx context.Context, id string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	p, err := d.path(id)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, errors.Wrapf(ErrDoesNotExist, "asset %s", id)
		}
		return time.Time{}, errors.Wrapf(err, "stat %s", id)
	}
	return info.ModTime().UTC(), nil
}

// Remove deletes an asset, or a collection and its content when recursive.
// Missing ids are not an error.
func (d *DiskStore) Remove(ctx context.Context, id string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.path(id)
	if err != nil {
		return err
	}
	if recursive {
		return errors.Wrapf(os.RemoveAll(p), "remove %s", id)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove %s", id)
	}
	return nil
}
