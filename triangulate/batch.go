package triangulate

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/framesync"
	"github.com/mprib/caliscope/logging"
)

// TriangulateTable sweeps a recorded observation log and triangulates every
// multi-view landmark in it. Sync indices are independent, so the sweep fans
// out across workers; results come back sorted by sync index then point ID.
func TriangulateTable(ctx context.Context, array *cameras.CameraArray, table *PointTable, workers int, logger logging.Logger) ([]XYZRow, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	indices := table.SyncIndices()
	results := make([][]XYZRow, len(indices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for slot, syncIndex := range indices {
		slot, syncIndex := slot, syncIndex
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sp := packetFromRows(syncIndex, table.RowsAt(syncIndex))
			points, err := TriangulateSyncPacket(array, sp)
			if err != nil {
				return err
			}
			rows := make([]XYZRow, 0, len(points))
			for id, xyz := range points {
				rows = append(rows, XYZRow{SyncIndex: syncIndex, PointID: id, Point: xyz})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].PointID < rows[j].PointID })
			results[slot] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []XYZRow
	for _, rows := range results {
		out = append(out, rows...)
	}
	logger.Infof("triangulated %d landmark positions across %d sync indices", len(out), len(indices))
	return out, nil
}

// packetFromRows reassembles a sync bundle from its flat table rows.
func packetFromRows(syncIndex int, rows []PointRow) *framesync.SyncPacket {
	frames := map[int]*framesync.FramePacket{}
	for _, row := range rows {
		fp, ok := frames[row.Port]
		if !ok {
			fp = &framesync.FramePacket{Port: row.Port}
			frames[row.Port] = fp
		}
		fp.Points = append(fp.Points, framesync.PointObservation{
			PointID:  row.PointID,
			ImgLoc:   row.ImgLoc,
			BoardLoc: row.BoardLoc,
		})
	}
	return &framesync.SyncPacket{SyncIndex: syncIndex, Frames: frames}
}
