package synthetic

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/board"
	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/spatialmath"
	"github.com/mprib/caliscope/triangulate"
)

// ProjectOptions tunes the synthetic observation generator.
type ProjectOptions struct {
	// NoiseStdDev is the pixel-level Gaussian noise added to each detection.
	NoiseStdDev float64
	Rng         *rand.Rand
	// Visible filters observations; nil means every landmark is seen by every
	// camera.
	Visible func(port, pointID, syncIndex int) bool
	// BoardLocs, if set, stamps each point ID with its board-frame location.
	BoardLocs map[int]r2.Point
}

// ProjectToTable renders landmark fields through every posed camera into a
// flat observation table. frames[i] holds the world positions at sync index i.
func ProjectToTable(array *cameras.CameraArray, frames []map[int]r3.Vector, opts ProjectOptions) *triangulate.PointTable {
	table := &triangulate.PointTable{}
	for syncIndex, field := range frames {
		ids := make([]int, 0, len(field))
		for id := range field {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, port := range array.PosedPorts() {
			cam := array.Cameras[port]
			for _, id := range ids {
				if opts.Visible != nil && !opts.Visible(port, id, syncIndex) {
					continue
				}
				px, err := cam.ProjectPoint(field[id])
				if err != nil {
					continue
				}
				if opts.NoiseStdDev > 0 && opts.Rng != nil {
					px.X += opts.Rng.NormFloat64() * opts.NoiseStdDev
					px.Y += opts.Rng.NormFloat64() * opts.NoiseStdDev
				}
				row := triangulate.PointRow{
					SyncIndex: syncIndex,
					Port:      port,
					PointID:   id,
					ImgLoc:    px,
				}
				if loc, ok := opts.BoardLocs[id]; ok {
					row.BoardLoc = loc
				}
				table.Rows = append(table.Rows, row)
			}
		}
	}
	return table
}

// BoardFrame returns the world positions of a calibration board's interior
// corners after moving the board by the given rigid pose.
func BoardFrame(b board.Board, pose *mat.Dense) map[int]r3.Vector {
	out := map[int]r3.Vector{}
	for id := 0; id < b.CornerCount(); id++ {
		corner, err := b.Corner(id)
		if err != nil {
			continue
		}
		out[id] = spatialmath.TransformPoint(pose, corner)
	}
	return out
}

// BoardLocs maps each corner ID to its 2D board-frame location.
func BoardLocs(b board.Board) map[int]r2.Point {
	out := map[int]r2.Point{}
	for id := 0; id < b.CornerCount(); id++ {
		corner, err := b.Corner(id)
		if err != nil {
			continue
		}
		out[id] = r2.Point{X: corner.X, Y: corner.Y}
	}
	return out
}
