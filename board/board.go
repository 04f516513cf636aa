// Package board describes the known local geometry of a fiducial calibration
// board. Corner IDs index the inner chessboard corners row-major, matching the
// IDs the external 2D tracker reports.
package board

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Board is a planar calibration target with a regular corner grid. SquareSize
// is in world units (typically meters) and sets the metric scale of the rig.
type Board struct {
	Columns    int     `json:"columns"`
	Rows       int     `json:"rows"`
	SquareSize float64 `json:"square_size"`
}

// CheckValid validates the board dimensions.
func (b Board) CheckValid() error {
	if b.Columns < 2 || b.Rows < 2 {
		return errors.Errorf("board must be at least 2x2 squares, got %dx%d", b.Columns, b.Rows)
	}
	if b.SquareSize <= 0 {
		return errors.Errorf("board square size must be positive, got %f", b.SquareSize)
	}
	return nil
}

// CornerCount returns the number of inner corners.
func (b Board) CornerCount() int {
	return (b.Columns - 1) * (b.Rows - 1)
}

// Corner returns the board-frame position of an inner corner. The board lies
// in its own z=0 plane with the origin at corner 0.
func (b Board) Corner(id int) (r3.Vector, error) {
	if id < 0 || id >= b.CornerCount() {
		return r3.Vector{}, errors.Errorf("corner id %d out of range [0,%d)", id, b.CornerCount())
	}
	col := id % (b.Columns - 1)
	row := id / (b.Columns - 1)
	return r3.Vector{
		X: float64(col) * b.SquareSize,
		Y: float64(row) * b.SquareSize,
		Z: 0,
	}, nil
}

// Corners returns the board-frame positions for a list of corner IDs.
func (b Board) Corners(ids []int) ([]r3.Vector, error) {
	out := make([]r3.Vector, len(ids))
	for i, id := range ids {
		corner, err := b.Corner(id)
		if err != nil {
			return nil, err
		}
		out[i] = corner
	}
	return out, nil
}
