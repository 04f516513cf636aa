package triangulate

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope/framesync"
)

// PointRow is one recorded 2D observation: camera, landmark, and where the
// landmark sat in both image and board coordinates.
type PointRow struct {
	SyncIndex int
	Port      int
	PointID   int
	ImgLoc    r2.Point
	BoardLoc  r2.Point
}

// PointTable is the flat observation log of a recording session.
type PointTable struct {
	Rows []PointRow
}

var pointTableHeader = []string{
	"sync_index", "port", "point_id",
	"img_loc_x", "img_loc_y",
	"board_loc_x", "board_loc_y",
}

// SyncIndices returns the ascending distinct sync indices present.
func (t *PointTable) SyncIndices() []int {
	seen := map[int]bool{}
	for _, row := range t.Rows {
		seen[row.SyncIndex] = true
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// RowsAt returns the observations recorded at one sync index.
func (t *PointTable) RowsAt(syncIndex int) []PointRow {
	var out []PointRow
	for _, row := range t.Rows {
		if row.SyncIndex == syncIndex {
			out = append(out, row)
		}
	}
	return out
}

// AppendSyncPacket records every observation in a bundle into the table.
func (t *PointTable) AppendSyncPacket(sp *framesync.SyncPacket) {
	for _, port := range sortedPorts(sp.Frames) {
		fp := sp.Frames[port]
		if fp == nil {
			continue
		}
		for _, obs := range fp.Points {
			t.Rows = append(t.Rows, PointRow{
				SyncIndex: sp.SyncIndex,
				Port:      port,
				PointID:   obs.PointID,
				ImgLoc:    obs.ImgLoc,
				BoardLoc:  obs.BoardLoc,
			})
		}
	}
}

func sortedPorts(frames map[int]*framesync.FramePacket) []int {
	ports := make([]int, 0, len(frames))
	for port := range frames {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Write emits the table as CSV with a header row.
func (t *PointTable) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pointTableHeader); err != nil {
		return err
	}
	for _, row := range t.Rows {
		record := []string{
			strconv.Itoa(row.SyncIndex),
			strconv.Itoa(row.Port),
			strconv.Itoa(row.PointID),
			formatFloat(row.ImgLoc.X),
			formatFloat(row.ImgLoc.Y),
			formatFloat(row.BoardLoc.X),
			formatFloat(row.BoardLoc.Y),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPointTable parses a CSV observation log written by Write.
func ReadPointTable(r io.Reader) (*PointTable, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading point table header")
	}
	if len(header) != len(pointTableHeader) {
		return nil, errors.Errorf("point table has %d columns, want %d", len(header), len(pointTableHeader))
	}

	table := &PointTable{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "point table line %d", line)
		}
		row, err := parsePointRow(record)
		if err != nil {
			return nil, errors.Wrapf(err, "point table line %d", line)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func parsePointRow(record []string) (PointRow, error) {
	ints := make([]int, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(record[i])
		if err != nil {
			return PointRow{}, errors.Wrapf(err, "column %s", pointTableHeader[i])
		}
		ints[i] = v
	}
	floats := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(record[i+3], 64)
		if err != nil {
			return PointRow{}, errors.Wrapf(err, "column %s", pointTableHeader[i+3])
		}
		floats[i] = v
	}
	return PointRow{
		SyncIndex: ints[0],
		Port:      ints[1],
		PointID:   ints[2],
		ImgLoc:    r2.Point{X: floats[0], Y: floats[1]},
		BoardLoc:  r2.Point{X: floats[2], Y: floats[3]},
	}, nil
}

// XYZRow is one triangulated landmark position.
type XYZRow struct {
	SyncIndex int
	PointID   int
	Point     r3.Vector
}

// WriteXYZTable emits triangulated positions as CSV.
func WriteXYZTable(w io.Writer, rows []XYZRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sync_index", "point_id", "x_coord", "y_coord", "z_coord"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.SyncIndex),
			strconv.Itoa(row.PointID),
			formatFloat(row.Point.X),
			formatFloat(row.Point.Y),
			formatFloat(row.Point.Z),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
