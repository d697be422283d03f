// Package assetstore stores raster assets in collections, either on local
// disk or in an S3 bucket. Asset ids are slash separated paths such as
// "cli_005_arctic_sea_ice_extent_reproj/cli_005_arctic_sea_ice_202401".
package assetstore

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrDoesNotExist is returned when an asset or collection is missing.
var ErrDoesNotExist = errors.New("does not exist")

// TimeStartKey is the metadata key carrying an asset's timestamp.
const TimeStartKey = "system-time-start"

// Join builds an asset id from path elements.
func Join(elem ...string) string {
	return path.Join(elem...)
}

func cleanID(id string) (string, error) {
	id = strings.Trim(path.Clean("/"+id), "/")
	if id == "" {
		return "", errors.New("empty asset id")
	}
	return id, nil
}
