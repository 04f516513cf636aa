package capturevolume

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope/board"
	"github.com/mprib/caliscope/logging"
)

// FilterMetric selects how observations are scored when culling the worst
// fraction of the data between optimization passes.
type FilterMetric int

const (
	// FilterReprojection scores each observation by its own pixel
	// reprojection error. The default.
	FilterReprojection FilterMetric = iota
	// FilterBoardDistance scores observations by how far their landmark's
	// estimated distance to same-frame board neighbors strays from the known
	// board geometry. A physical-units diagnostic that catches landmarks the
	// reprojection metric cannot.
	FilterBoardDistance
)

// Filter drops the worst-scoring fraction of observations, removes landmarks
// left with fewer than two views, and rebuilds the estimate arrays. The
// capture volume's landmark set shrinks; camera poses are untouched.
func (cv *CaptureVolume) Filter(fractionToRemove float64, metric FilterMetric, b board.Board, logger logging.Logger) error {
	if fractionToRemove <= 0 || fractionToRemove >= 1 {
		return errors.Errorf("fraction to remove must be in (0,1), got %f", fractionToRemove)
	}

	scores, err := cv.observationScores(metric, b)
	if err != nil {
		return err
	}
	cutoff, err := stats.Percentile(stats.Float64Data(scores), (1-fractionToRemove)*100)
	if err != nil {
		return errors.Wrap(err, "computing filter percentile")
	}

	budget := int(math.Ceil(fractionToRemove * float64(len(scores))))
	if budget >= len(scores) {
		budget = len(scores) - 1
	}
	keep := make([]bool, len(scores))
	removed := 0
	for i, score := range scores {
		if score > cutoff {
			removed++
		} else {
			keep[i] = true
		}
	}
	// near-uniform scores can tie at the percentile and leave nothing
	// strictly above it; top up from the worst kept scores so a positive
	// fraction always shrinks the data
	for removed < budget {
		worst := math.Inf(-1)
		for i, score := range scores {
			if keep[i] && score > worst {
				worst = score
			}
		}
		if math.IsInf(worst, -1) {
			break
		}
		for i, score := range scores {
			if removed >= budget {
				break
			}
			if keep[i] && score == worst {
				keep[i] = false
				removed++
			}
		}
	}

	filtered, err := cv.Points.subset(keep)
	if err != nil {
		return err
	}
	logger.Infow("filtered point estimates",
		"metric", metric,
		"cutoff", cutoff,
		"observations_before", len(scores),
		"observations_after", filtered.ObservationCount(),
		"landmarks_after", filtered.LandmarkCount(),
	)
	cv.Points = filtered
	return nil
}

// observationScores computes the per-observation badness under a metric.
func (cv *CaptureVolume) observationScores(metric FilterMetric, b board.Board) ([]float64, error) {
	switch metric {
	case FilterReprojection:
		x, err := cv.Vectorize()
		if err != nil {
			return nil, err
		}
		res, err := cv.residuals(x)
		if err != nil {
			return nil, err
		}
		scores := make([]float64, cv.Points.ObservationCount())
		for k := range scores {
			scores[k] = math.Hypot(res[2*k], res[2*k+1])
		}
		return scores, nil
	case FilterBoardDistance:
		return cv.boardDistanceScores(b)
	default:
		return nil, errors.Errorf("unknown filter metric %d", metric)
	}
}

// boardDistanceScores compares, within each sync index, the estimated
// distances between a landmark and its co-visible board corners against the
// distances the board geometry dictates. Landmarks without a same-frame
// neighbor score zero and are never culled by this metric.
func (cv *CaptureVolume) boardDistanceScores(b board.Board) ([]float64, error) {
	if err := b.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "board distance filtering needs a valid board")
	}

	// distinct landmarks per sync index
	type landmark struct {
		objIdx  int
		pointID int
	}
	bySync := map[int][]landmark{}
	seen := map[[2]int]bool{}
	for k := 0; k < cv.Points.ObservationCount(); k++ {
		key := [2]int{cv.Points.SyncIndices[k], cv.Points.ObjIndices[k]}
		if seen[key] {
			continue
		}
		seen[key] = true
		bySync[cv.Points.SyncIndices[k]] = append(bySync[cv.Points.SyncIndices[k]], landmark{
			objIdx:  cv.Points.ObjIndices[k],
			pointID: cv.Points.PointIDs[k],
		})
	}

	objScore := map[int]float64{}
	for _, marks := range bySync {
		for i, a := range marks {
			cornerA, err := b.Corner(a.pointID)
			if err != nil {
				continue
			}
			worst := 0.0
			count := 0
			for j, other := range marks {
				if i == j {
					continue
				}
				cornerB, err := b.Corner(other.pointID)
				if err != nil {
					continue
				}
				want := cornerA.Sub(cornerB).Norm()
				got := cv.Points.Obj[a.objIdx].Sub(cv.Points.Obj[other.objIdx]).Norm()
				if dev := math.Abs(got - want); dev > worst {
					worst = dev
				}
				count++
			}
			if count > 0 {
				objScore[a.objIdx] = math.Max(objScore[a.objIdx], worst)
			}
		}
	}

	scores := make([]float64, cv.Points.ObservationCount())
	for k := range scores {
		scores[k] = objScore[cv.Points.ObjIndices[k]]
	}
	return scores, nil
}

// subset rebuilds the estimate arrays keeping only the flagged observations,
// dropping landmarks that fall below two views and reindexing the rest.
func (pe *PointEstimates) subset(keep []bool) (*PointEstimates, error) {
	if len(keep) != pe.ObservationCount() {
		return nil, errors.Errorf("keep mask has %d entries for %d observations", len(keep), pe.ObservationCount())
	}

	views := make([]int, pe.LandmarkCount())
	for k, kept := range keep {
		if kept {
			views[pe.ObjIndices[k]]++
		}
	}
	remap := make([]int, pe.LandmarkCount())
	out := &PointEstimates{}
	for objIdx, count := range views {
		if count >= 2 {
			remap[objIdx] = len(out.Obj)
			out.Obj = append(out.Obj, pe.Obj[objIdx])
		} else {
			remap[objIdx] = -1
		}
	}

	for k, kept := range keep {
		if !kept || remap[pe.ObjIndices[k]] < 0 {
			continue
		}
		out.SyncIndices = append(out.SyncIndices, pe.SyncIndices[k])
		out.CameraIndices = append(out.CameraIndices, pe.CameraIndices[k])
		out.PointIDs = append(out.PointIDs, pe.PointIDs[k])
		out.Img = append(out.Img, pe.Img[k])
		out.BoardLocs = append(out.BoardLocs, pe.BoardLocs[k])
		out.ObjIndices = append(out.ObjIndices, remap[pe.ObjIndices[k]])
	}

	if out.LandmarkCount() == 0 {
		return nil, errors.New("filtering removed every landmark")
	}
	return out, out.CheckValid()
}
