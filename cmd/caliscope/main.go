// The caliscope command calibrates a multi-camera capture volume from
// recorded 2D observations and triangulates landmark trajectories with it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/mprib/caliscope/board"
	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/capturevolume"
	"github.com/mprib/caliscope/logging"
	"github.com/mprib/caliscope/triangulate"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "caliscope",
		Usage: "multicamera calibration and 3D landmark reconstruction",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "seed",
				Usage: "fuse pairwise stereo measurements into an initial posed rig",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "rig", Required: true, Usage: "rig JSON with per-camera intrinsics"},
					&cli.StringFlag{Name: "pairs", Required: true, Usage: "pairwise relative-pose measurements JSON"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output rig JSON with seeded poses"},
					&cli.IntFlag{Name: "anchor", Value: -1, Usage: "anchor port (default: lowest total path error)"},
				},
				Action: seedAction,
			},
			{
				Name:  "calibrate",
				Usage: "refine camera extrinsics against a recorded observation table",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "rig", Required: true, Usage: "rig JSON with intrinsics and seeded poses"},
					&cli.StringFlag{Name: "points", Required: true, Usage: "observation table CSV"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output rig JSON"},
					&cli.Float64Flag{Name: "filter-fraction", Value: 0.05, Usage: "worst observation fraction culled per pass"},
					&cli.IntFlag{Name: "filter-passes", Value: 2, Usage: "optimize/filter rounds after the first fit"},
					&cli.IntFlag{Name: "board-columns", Usage: "board squares across, for origin placement"},
					&cli.IntFlag{Name: "board-rows", Usage: "board squares down, for origin placement"},
					&cli.Float64Flag{Name: "board-square-size", Usage: "board square edge length in world units"},
					&cli.IntFlag{Name: "origin-sync-index", Value: -1, Usage: "sync index whose board placement becomes the world origin"},
				},
				Action: calibrateAction,
			},
			{
				Name:  "triangulate",
				Usage: "triangulate an observation table into 3D landmark positions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "rig", Required: true, Usage: "calibrated rig JSON"},
					&cli.StringFlag{Name: "points", Required: true, Usage: "observation table CSV"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output xyz CSV"},
					&cli.IntFlag{Name: "workers", Usage: "parallel workers (default: all cores)"},
				},
				Action: triangulateAction,
			},
		},
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool("debug") {
		return logging.NewDebugLogger("caliscope")
	}
	return logging.NewLogger("caliscope")
}

func loadInputs(c *cli.Context) (*cameras.CameraArray, *triangulate.PointTable, error) {
	array, err := cameras.LoadCameraArray(c.String("rig"))
	if err != nil {
		return nil, nil, err
	}
	//nolint:gosec
	f, err := os.Open(c.String("points"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening observation table")
	}
	defer f.Close()
	table, err := triangulate.ReadPointTable(f)
	if err != nil {
		return nil, nil, err
	}
	return array, table, nil
}

func seedAction(c *cli.Context) error {
	logger := newLogger(c)
	array, err := cameras.LoadCameraArray(c.String("rig"))
	if err != nil {
		return err
	}
	pairs, err := cameras.LoadStereoPairs(c.String("pairs"))
	if err != nil {
		return err
	}
	network, err := cameras.NewPairedPoseNetwork(pairs, logger)
	if err != nil {
		return err
	}

	anchor := c.Int("anchor")
	if anchor < 0 {
		if anchor, err = network.BestAnchor(array); err != nil {
			return err
		}
		logger.Infow("anchor selected", "port", anchor)
	}
	if err := network.ApplyTo(array, anchor); err != nil {
		return err
	}
	return cameras.SaveCameraArray(c.String("out"), array)
}

func calibrateAction(c *cli.Context) error {
	logger := newLogger(c)
	array, table, err := loadInputs(c)
	if err != nil {
		return err
	}

	points, err := capturevolume.BuildPointEstimates(array, table)
	if err != nil {
		return err
	}
	cv, err := capturevolume.NewCaptureVolume(array, points)
	if err != nil {
		return err
	}

	if err := cv.Optimize(logger); err != nil {
		return err
	}
	for pass := 0; pass < c.Int("filter-passes"); pass++ {
		if err := cv.Filter(c.Float64("filter-fraction"), capturevolume.FilterReprojection, board.Board{}, logger); err != nil {
			return err
		}
		if err := cv.Optimize(logger); err != nil {
			return err
		}
	}

	if syncIndex := c.Int("origin-sync-index"); syncIndex >= 0 {
		b := board.Board{
			Columns:    c.Int("board-columns"),
			Rows:       c.Int("board-rows"),
			SquareSize: c.Float64("board-square-size"),
		}
		if err := cv.SetOriginToBoard(b, table, syncIndex, capturevolume.OriginOptions{}, logger); err != nil {
			return err
		}
	}

	byCamera, err := cv.RMSEByCamera()
	if err != nil {
		return err
	}
	for _, port := range cv.Array.PosedPorts() {
		logger.Infow("final reprojection error", "port", port, "rmse", byCamera[port])
	}
	return cameras.SaveCameraArray(c.String("out"), cv.Array)
}

func triangulateAction(c *cli.Context) error {
	logger := newLogger(c)
	array, table, err := loadInputs(c)
	if err != nil {
		return err
	}

	rows, err := triangulate.TriangulateTable(context.Background(), array, table, c.Int("workers"), logger)
	if err != nil {
		return err
	}

	out, err := os.Create(c.String("out"))
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	defer out.Close()
	return triangulate.WriteXYZTable(out, rows)
}
