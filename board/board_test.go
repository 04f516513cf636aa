package board

import (
	"testing"

	"go.viam.com/test"
)

func TestBoardValidation(t *testing.T) {
	test.That(t, Board{Columns: 5, Rows: 4, SquareSize: 0.05}.CheckValid(), test.ShouldBeNil)
	test.That(t, Board{Columns: 1, Rows: 4, SquareSize: 0.05}.CheckValid(), test.ShouldNotBeNil)
	test.That(t, Board{Columns: 5, Rows: 4, SquareSize: 0}.CheckValid(), test.ShouldNotBeNil)
}

func TestCornerLayout(t *testing.T) {
	b := Board{Columns: 5, Rows: 4, SquareSize: 0.05}
	test.That(t, b.CornerCount(), test.ShouldEqual, 12)

	origin, err := b.Corner(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, origin.X, test.ShouldAlmostEqual, 0)
	test.That(t, origin.Y, test.ShouldAlmostEqual, 0)
	test.That(t, origin.Z, test.ShouldAlmostEqual, 0)

	// row-major: corner 5 is the second corner of the second row
	c5, err := b.Corner(5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c5.X, test.ShouldAlmostEqual, 0.05)
	test.That(t, c5.Y, test.ShouldAlmostEqual, 0.05)

	_, err = b.Corner(12)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.Corner(-1)
	test.That(t, err, test.ShouldNotBeNil)

	corners, err := b.Corners([]int{0, 1, 4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(corners), test.ShouldEqual, 3)
	test.That(t, corners[1].X, test.ShouldAlmostEqual, 0.05)
	test.That(t, corners[2].X, test.ShouldAlmostEqual, 0)
	test.That(t, corners[2].Y, test.ShouldAlmostEqual, 0.05)
}
