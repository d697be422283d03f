// Package gdal drives the gdal_translate and gdalwarp command line tools.
package gdal

import (
	"context"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Tool wraps the GDAL utilities.
type Tool struct {
	runner Runner
}

// New creates a Tool. A nil runner uses ExecRunner.
func New(runner Runner) *Tool {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tool{runner: runner}
}

// TranslateOptions are gdal_translate flags.
type TranslateOptions struct {
	Band            int
	NoData          string
	SRS             string
	Quiet           bool
	Stats           bool
	CreationOptions []string
}

func (o TranslateOptions) args() []string {
	var args []string
	if o.Band > 0 {
		args = append(args, "-b", strconv.Itoa(o.Band))
	}
	if o.Quiet {
		args = append(args, "-q")
	}
	if o.NoData != "" {
		args = append(args, "-a_nodata", o.NoData)
	}
	if o.SRS != "" {
		args = append(args, "-a_srs", o.SRS)
	}
	for _, co := range o.CreationOptions {
		args = append(args, "-co", co)
	}
	if o.Stats {
		args = append(args, "-stats")
	}
	return args
}

// Translate converts src to dst, optionally extracting a single band.
func (t *Tool) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	args := append(opts.args(), src, dst)
	if _, err := t.runner.Run(ctx, "gdal_translate", args...); err != nil {
		return fmt.Errorf("translate %s: %w", src, err)
	}
	return nil
}

// Extent is a target bounding box in target SRS units.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

// WarpOptions are gdalwarp flags.
type WarpOptions struct {
	SourceSRS string
	TargetSRS string
	Extent    *Extent
	// ResX and ResY set -tr when either is non-zero.
	ResX, ResY  float64
	Overwrite   bool
	Multi       bool
	WarpOptions []string
	Config      map[string]string
}

func (o WarpOptions) args() []string {
	var args []string
	if o.Overwrite {
		args = append(args, "-overwrite")
	}
	if o.SourceSRS != "" {
		args = append(args, "-s_srs", o.SourceSRS)
	}
	if o.TargetSRS != "" {
		args = append(args, "-t_srs", o.TargetSRS)
	}
	if o.Extent != nil {
		args = append(args, "-te", fmtFloat(o.Extent.MinX), fmtFloat(o.Extent.MinY), fmtFloat(o.Extent.MaxX), fmtFloat(o.Extent.MaxY))
	}
	if o.ResX != 0 || o.ResY != 0 {
		args = append(args, "-tr", fmtFloat(o.ResX), fmtFloat(o.ResY))
	}
	if o.Multi {
		args = append(args, "-multi")
	}
	for _, wo := range o.WarpOptions {
		args = append(args, "-wo", wo)
	}
	for _, k := range slices.Sorted(maps.Keys(o.Config)) {
		args = append(args, "--config", k, o.Config[k])
	}
	return args
}

// Warp reprojects src into dst.
func (t *Tool) Warp(ctx context.Context, src, dst string, opts WarpOptions) error {
	args := append(opts.args(), src, dst)
	if _, err := t.runner.Run(ctx, "gdalwarp", args...); err != nil {
		return fmt.Errorf("warp %s: %w", src, err)
	}
	return nil
}

// SubdatasetPath addresses one variable of a NetCDF file.
func SubdatasetPath(file, variable string) string {
	return fmt.Sprintf("NETCDF:%q:%s", file, variable)
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
