// Package main is the kdquery command, which answers proximity queries over PCD point clouds.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/pcindex/config"
	"go.viam.com/pcindex/kdtree"
	"go.viam.com/pcindex/logging"
	"go.viam.com/pcindex/pointcloud"
	"go.viam.com/pcindex/progress"
	"go.viam.com/pcindex/utils"
)

const (
	// Flags.
	flagConfig    = "config"
	flagDebug     = "debug"
	flagProgress  = "progress"
	flagCloud     = "cloud"
	flagPoint     = "point"
	flagRadius    = "radius"
	flagDistance  = "distance"
	flagTolerance = "tolerance"
	flagReference = "reference"
	flagCompared  = "compared"
	flagLogFile   = "log-file"
	flagBins      = "bins"
	flagTable     = "table"

	logFileMaxSizeMB = 10
	histogramWidth   = 40
)

// app holds what every command shares once the global flags are parsed.
type app struct {
	logger       logging.Logger
	logFile      *logging.FileAppender
	conf         *config.IndexConfig
	showProgress bool
}

func (a *app) before(c *cli.Context) error {
	conf, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	a.conf = conf

	a.logger = logging.NewBlankLogger("kdquery")
	a.logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if path := c.String(flagLogFile); path != "" {
		a.logFile = logging.NewFileAppender(path, logFileMaxSizeMB)
		a.logger.AddAppender(a.logFile)
	}
	level, err := conf.Level()
	if err != nil {
		return err
	}
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	a.logger.SetLevel(level)

	if conf.ParallelFactor > 0 {
		utils.ParallelFactor = conf.ParallelFactor
	}
	a.showProgress = c.Bool(flagProgress)
	return nil
}

func (a *app) after(c *cli.Context) error {
	if a.logFile == nil {
		return nil
	}
	return multierr.Combine(a.logger.Sync(), a.logFile.Close())
}

func (a *app) progressSink() kdtree.ProgressCallback {
	if a.showProgress {
		return progress.NewBar(progress.WithBarLogger(a.logger))
	}
	return progress.NewLogged(a.logger.Sublogger("progress"), progress.DefaultLogStep)
}

// loadTree reads the cloud at path and indexes it.
func (a *app) loadTree(ctx context.Context, path string) (*kdtree.Tree, pointcloud.PointCloud, error) {
	cloud, err := pointcloud.NewFromFile(path, a.logger)
	if err != nil {
		return nil, nil, err
	}
	opts := append(a.conf.TreeOptions(), kdtree.WithLogger(a.logger.Sublogger("kdtree")))
	tree, err := kdtree.NewFromSource(ctx, cloud, a.progressSink(), opts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "indexing %q", path)
	}
	return tree, cloud, nil
}

// parsePoint parses "x,y,z".
func parsePoint(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("point %q must have the form x,y,z", s)
	}
	var parseErr error
	coords := lo.Map(parts, func(part string, _ int) float64 {
		v, err := cast.ToFloat64E(strings.TrimSpace(part))
		if err != nil && parseErr == nil {
			parseErr = errors.Wrapf(err, "invalid coordinate %q", part)
		}
		return v
	})
	if parseErr != nil {
		return r3.Vector{}, parseErr
	}
	return r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

func formatPoint(p r3.Vector) string {
	return fmt.Sprintf("%g,%g,%g", p.X, p.Y, p.Z)
}

func (a *app) nearestAction(c *cli.Context) error {
	p, err := parsePoint(c.String(flagPoint))
	if err != nil {
		return err
	}
	tree, _, err := a.loadTree(c.Context, c.String(flagCloud))
	if err != nil {
		return err
	}
	nb, ok := tree.NearestNeighbor(p, c.Float64(flagRadius))
	if !ok {
		fmt.Fprintln(c.App.Writer, "no point within radius")
		return nil
	}
	fmt.Fprintf(c.App.Writer, "%d\t%s\t%g\n", nb.Index, formatPoint(nb.Point), nb.Distance)
	return nil
}

func (a *app) withinAction(c *cli.Context) error {
	p, err := parsePoint(c.String(flagPoint))
	if err != nil {
		return err
	}
	tree, _, err := a.loadTree(c.Context, c.String(flagCloud))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tree.Within(p, c.Float64(flagRadius)))
	return nil
}

func (a *app) shellAction(c *cli.Context) error {
	p, err := parsePoint(c.String(flagPoint))
	if err != nil {
		return err
	}
	tree, cloud, err := a.loadTree(c.Context, c.String(flagCloud))
	if err != nil {
		return err
	}
	indices := tree.Shell(p, c.Float64(flagDistance), c.Float64(flagTolerance))
	lines := lo.Map(indices, func(i, _ int) string {
		q := cloud.PointAt(i)
		return fmt.Sprintf("%d\t%s\t%g", i, formatPoint(q), q.Sub(p).Norm())
	})
	for _, line := range lines {
		fmt.Fprintln(c.App.Writer, line)
	}
	a.logger.Debugw("shell query", "matches", len(indices))
	return nil
}

func (a *app) distanceAction(c *cli.Context) error {
	var (
		tree     *kdtree.Tree
		compared pointcloud.PointCloud
	)
	elapsed, err := utils.RunInParallel(c.Context, []utils.SimpleFunc{
		func(ctx context.Context) error {
			var err error
			tree, _, err = a.loadTree(ctx, c.String(flagReference))
			return err
		},
		func(ctx context.Context) error {
			var err error
			compared, err = pointcloud.NewFromFile(c.String(flagCompared), a.logger)
			return err
		},
	})
	if err != nil {
		return err
	}
	a.logger.Debugw("loaded clouds", "elapsed", elapsed.String())

	dists, err := tree.NearestDistances(c.Context, compared, c.Float64(flagRadius))
	if err != nil {
		return err
	}
	summary, err := kdtree.SummarizeDistances(dists)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "count\t%d\n", summary.Count)
	fmt.Fprintf(w, "missing\t%d\n", summary.Missing)
	fmt.Fprintf(w, "min\t%g\n", summary.Min)
	fmt.Fprintf(w, "max\t%g\n", summary.Max)
	fmt.Fprintf(w, "mean\t%g\n", summary.Mean)
	fmt.Fprintf(w, "median\t%g\n", summary.Median)
	fmt.Fprintf(w, "stddev\t%g\n", summary.StdDev)

	if bins := c.Int(flagBins); bins > 0 {
		hist, err := kdtree.DistanceHistogram(dists, bins)
		if err != nil {
			return err
		}
		return histogram.Fprint(w, hist, histogram.Linear(histogramWidth))
	}
	return nil
}

func (a *app) infoAction(c *cli.Context) error {
	tree, cloud, err := a.loadTree(c.Context, c.String(flagCloud))
	if err != nil {
		return err
	}
	stats := tree.Stats()
	meta := cloud.MetaData()
	w := c.App.Writer
	if c.Bool(flagTable) {
		fmt.Fprintln(w, stats.String())
		return nil
	}
	fmt.Fprintf(w, "points\t%d\n", stats.Points)
	fmt.Fprintf(w, "cells\t%d\n", stats.Cells)
	fmt.Fprintf(w, "leaves\t%d\n", stats.Leaves)
	fmt.Fprintf(w, "depth\t%d\n", stats.Depth)
	fmt.Fprintf(w, "largest_leaf\t%d\n", stats.LargestLeaf)
	fmt.Fprintf(w, "min\t%g,%g,%g\n", meta.MinX, meta.MinY, meta.MinZ)
	fmt.Fprintf(w, "max\t%g,%g,%g\n", meta.MaxX, meta.MaxY, meta.MaxZ)
	fmt.Fprintf(w, "centroid\t%s\n", formatPoint(pointcloud.CloudCentroid(cloud)))
	return nil
}

func cloudFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagCloud,
		Usage:    "PCD `FILE` to index",
		Required: true,
	}
}

func pointFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagPoint,
		Usage:    "query point as x,y,z",
		Required: true,
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	a := &app{}
	return &cli.App{
		Name:      "kdquery",
		Usage:     "answer proximity queries over point clouds",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "Load index configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  flagProgress,
				Usage: "draw a progress bar while indexing",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotating it as it grows",
			},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			{
				Name:  "nearest",
				Usage: "find the point nearest to a query point",
				Flags: []cli.Flag{
					cloudFlag(),
					pointFlag(),
					&cli.Float64Flag{
						Name:  flagRadius,
						Usage: "only consider points closer than this",
						Value: math.Inf(1),
					},
				},
				Action: a.nearestAction,
			},
			{
				Name:  "within",
				Usage: "report whether any point is closer than a radius",
				Flags: []cli.Flag{
					cloudFlag(),
					pointFlag(),
					&cli.Float64Flag{
						Name:     flagRadius,
						Usage:    "search radius",
						Required: true,
					},
				},
				Action: a.withinAction,
			},
			{
				Name:  "shell",
				Usage: "list the points whose distance is within a tolerance of a given distance",
				Flags: []cli.Flag{
					cloudFlag(),
					pointFlag(),
					&cli.Float64Flag{
						Name:     flagDistance,
						Usage:    "shell radius",
						Required: true,
					},
					&cli.Float64Flag{
						Name:     flagTolerance,
						Usage:    "shell half thickness",
						Required: true,
					},
				},
				Action: a.shellAction,
			},
			{
				Name:  "distance",
				Usage: "summarize the distances from every point of a cloud to its nearest reference point",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagReference,
						Usage:    "PCD `FILE` to index",
						Required: true,
					},
					&cli.StringFlag{
						Name:     flagCompared,
						Usage:    "PCD `FILE` whose points are measured",
						Required: true,
					},
					&cli.Float64Flag{
						Name:  flagRadius,
						Usage: "distances above this count as missing",
						Value: math.Inf(1),
					},
					&cli.IntFlag{
						Name:  flagBins,
						Usage: "also print a histogram of the distances with this many bins",
					},
				},
				Action: a.distanceAction,
			},
			{
				Name:  "info",
				Usage: "describe the tree built over a cloud",
				Flags: []cli.Flag{
					cloudFlag(),
					&cli.BoolFlag{
						Name:  flagTable,
						Usage: "print the tree shape as a table",
					},
				},
				Action: a.infoAction,
			},
		},
	}
}

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
