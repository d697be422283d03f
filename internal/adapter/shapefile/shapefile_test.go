package shapefile

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip creates a shapefile in dir and zips its members.
func writeZip(t *testing.T, dir string, shapeType shp.ShapeType, shapes []shp.Shape, satellites []string) string {
	t.Helper()

	base := filepath.Join(dir, "hms_smoke20240101")
	w, err := shp.Create(base+".shp", shapeType)
	require.NoError(t, err)
	w.SetFields([]shp.Field{
		shp.StringField("Satellite", 25),
		shp.StringField("Density", 10),
	})
	for i, s := range shapes {
		w.Write(s)
		w.WriteAttribute(i, 0, satellites[i])
		w.WriteAttribute(i, 1, "5.000")
	}
	w.Close()

	zipPath := base + ".zip"
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.Open(base + ext)
		require.NoError(t, err)
		dst, err := zw.Create(filepath.Base(base) + ext)
		require.NoError(t, err)
		_, err = io.Copy(dst, src)
		require.NoError(t, err)
		require.NoError(t, src.Close())
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return zipPath
}

func TestReadZip_Points(t *testing.T) {
	path := writeZip(t, t.TempDir(), shp.POINT, []shp.Shape{
		&shp.Point{X: -100, Y: 40},
		&shp.Point{X: -101, Y: 41},
		&shp.Point{X: -102, Y: 42},
	}, []string{"GOES-EAST", "GOES-WEST", "GOES-EAST"})

	features, err := ReadZip(path)
	require.NoError(t, err)
	require.Len(t, features, 3)

	assert.Equal(t, orb.Point{-100, 40}, features[0].Geometry)
	assert.Equal(t, orb.Point{-102, 42}, features[2].Geometry)
	assert.Equal(t, "GOES-WEST", features[1].Attributes["Satellite"])
	assert.Equal(t, "5.000", features[1].Attributes["Density"])
}

func TestReadZip_Polygon(t *testing.T) {
	// Clockwise shell.
	shell := []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}}
	poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{shell}))

	path := writeZip(t, t.TempDir(), shp.POLYGON, []shp.Shape{&poly}, []string{"GOES-EAST"})

	features, err := ReadZip(path)
	require.NoError(t, err)
	require.Len(t, features, 1)

	p, ok := features[0].Geometry.(orb.Polygon)
	require.True(t, ok, "got %T", features[0].Geometry)
	require.Len(t, p, 1)
	assert.Len(t, p[0], 5)
}

func TestReadZip_NoShapeMember(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	_, err = zw.Create("readme.txt")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	_, err = ReadZip(path)
	assert.ErrorContains(t, err, "no .shp member")
}

func TestReadZip_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o600))

	_, err := ReadZip(path)
	assert.Error(t, err)
}

func TestPolygonFromRings(t *testing.T) {
	shellA := []orb.Point{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}
	hole := []orb.Point{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}}
	shellB := []orb.Point{{20, 0}, {20, 5}, {25, 5}, {25, 0}, {20, 0}}

	got := polygonFromRings([][]orb.Point{shellA, hole, shellB})
	mp, ok := got.(orb.MultiPolygon)
	require.True(t, ok)
	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}
