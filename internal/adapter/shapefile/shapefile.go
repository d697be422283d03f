// Package shapefile reads zipped ESRI shapefiles into orb geometries.
package shapefile

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// Feature is one shapefile record.
type Feature struct {
	Geometry   orb.Geometry
	Attributes map[string]string
}

// ReadZip reads every feature of the first .shp member in a zip archive.
// Members are extracted next to the archive and removed afterwards.
func ReadZip(path string) ([]Feature, error) {
	dir, err := os.MkdirTemp(filepath.Dir(path), "shp-")
	if err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	defer os.RemoveAll(dir)

	shpPath, err := extract(path, dir)
	if err != nil {
		return nil, err
	}
	return Read(shpPath)
}

// Read reads every feature of a shapefile and its .dbf attributes.
// Features keep their file order, so the slice index is the record position.
func Read(shpPath string) ([]Feature, error) {
	r, err := shp.Open(shpPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", shpPath, err)
	}
	defer r.Close()

	fields := r.Fields()
	var features []Feature
	for r.Next() {
		n, shape := r.Shape()
		geom, err := toGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		attrs := make(map[string]string, len(fields))
		for i, f := range fields {
			attrs[f.String()] = strings.TrimSpace(strings.Trim(r.ReadAttribute(n, i), "\x00"))
		}
		features = append(features, Feature{Geometry: geom, Attributes: attrs})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", shpPath, err)
	}
	return features, nil
}

// extract writes the first .shp member and its sidecars (.shx, .dbf, .prj)
// into dir and returns the .shp path.
func extract(zipPath, dir string) (string, error) {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer archive.Close()

	var stem string
	for _, f := range archive.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".shp") {
			stem = strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
			break
		}
	}
	if stem == "" {
		return "", fmt.Errorf("no .shp member in %s", zipPath)
	}

	var shpPath string
	for _, f := range archive.File {
		ext := filepath.Ext(f.Name)
		if strings.TrimSuffix(f.Name, ext) != stem {
			continue
		}
		dest := filepath.Join(dir, filepath.Base(stem)+strings.ToLower(ext))
		if err := extractFile(f, dest); err != nil {
			return "", err
		}
		if strings.EqualFold(ext, ".shp") {
			shpPath = dest
		}
	}
	return shpPath, nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

var errUnsupportedShape = errors.New("unsupported shape type")

func toGeometry(s shp.Shape) (orb.Geometry, error) {
	switch v := s.(type) {
	case *shp.Null:
		return nil, nil
	case *shp.Point:
		return orb.Point{v.X, v.Y}, nil
	case *shp.MultiPoint:
		mp := make(orb.MultiPoint, len(v.Points))
		for i, p := range v.Points {
			mp[i] = orb.Point{p.X, p.Y}
		}
		return mp, nil
	case *shp.PolyLine:
		parts := splitParts(v.Parts, v.Points)
		if len(parts) == 1 {
			return orb.LineString(parts[0]), nil
		}
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls, nil
	case *shp.Polygon:
		return polygonFromRings(splitParts(v.Parts, v.Points)), nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedShape, s)
	}
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		ring := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		out = append(out, ring)
	}
	return out
}

// polygonFromRings groups rings into polygons: clockwise rings are shells,
// counter-clockwise rings are holes of the preceding shell.
func polygonFromRings(rings [][]orb.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, pts := range rings {
		ring := orb.Ring(pts)
		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}
