package cameras

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/logging"
	"github.com/mprib/caliscope/spatialmath"
)

// ErrDisconnectedCamera is returned when a camera has no measurement path to
// the anchor and therefore cannot be seeded with a pose.
var ErrDisconnectedCamera = errors.New("camera is not connected to the anchor by any pairwise measurement")

// StereoPair is one relative-pose measurement between two cameras, produced
// by the external two-camera calibration primitive. The transform maps points
// in the primary camera's frame into the secondary camera's frame. ErrorScore
// is the measurement's RMSE; lower scores mark more reliable edges.
type StereoPair struct {
	PrimaryPort   int
	SecondaryPort int
	Rotation      *mat.Dense
	Translation   r3.Vector
	ErrorScore    float64
}

// Transformation returns the 4x4 primary-to-secondary transform.
func (sp StereoPair) Transformation() *mat.Dense {
	return spatialmath.NewRigidTransform(sp.Rotation, sp.Translation)
}

// Inverted reverses the link direction; the error score is preserved since it
// is the same measurement.
func (sp StereoPair) Inverted() StereoPair {
	inv := spatialmath.RigidInverse(sp.Transformation())
	return StereoPair{
		PrimaryPort:   sp.SecondaryPort,
		SecondaryPort: sp.PrimaryPort,
		Rotation:      spatialmath.RotationOf(inv),
		Translation:   spatialmath.TranslationOf(inv),
		ErrorScore:    sp.ErrorScore,
	}
}

// PairedPoseNetwork fuses sparse pairwise measurements into globally
// consistent camera poses. Edges are weighted by measurement RMSE and poses
// are composed along the lowest-total-error path from an anchor camera.
type PairedPoseNetwork struct {
	pairs  map[[2]int]StereoPair
	graph  *simple.WeightedUndirectedGraph
	logger logging.Logger
}

// edges with zero reported error still cost a sliver, so fusion prefers
// fewer hops on ties and stays deterministic
const edgeWeightFloor = 1e-9

// NewPairedPoseNetwork indexes the measurements in both directions and builds
// the weighted measurement graph. Not every pair needs a measurement.
func NewPairedPoseNetwork(pairs []StereoPair, logger logging.Logger) (*PairedPoseNetwork, error) {
	indexed := map[[2]int]StereoPair{}
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, pair := range pairs {
		if pair.PrimaryPort == pair.SecondaryPort {
			return nil, errors.Errorf("pairwise measurement relates port %d to itself", pair.PrimaryPort)
		}
		if pair.ErrorScore < 0 {
			return nil, errors.Errorf("pair (%d,%d) has negative error score", pair.PrimaryPort, pair.SecondaryPort)
		}
		key := [2]int{pair.PrimaryPort, pair.SecondaryPort}
		if existing, ok := indexed[key]; ok && existing.ErrorScore <= pair.ErrorScore {
			continue
		}
		indexed[key] = pair
		indexed[[2]int{pair.SecondaryPort, pair.PrimaryPort}] = pair.Inverted()
		g.SetWeightedEdge(g.NewWeightedEdge(
			simple.Node(int64(pair.PrimaryPort)),
			simple.Node(int64(pair.SecondaryPort)),
			pair.ErrorScore+edgeWeightFloor,
		))
	}
	logger.Infof("paired pose network built with %d directed links", len(indexed))
	return &PairedPoseNetwork{pairs: indexed, graph: g, logger: logger}, nil
}

// Ports returns the ascending ports that appear in any measurement.
func (n *PairedPoseNetwork) Ports() []int {
	seen := map[int]bool{}
	for key := range n.pairs {
		seen[key[0]] = true
	}
	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Pair retrieves the measurement from port a to port b, if one exists in
// either direction.
func (n *PairedPoseNetwork) Pair(a, b int) (StereoPair, bool) {
	pair, ok := n.pairs[[2]int{a, b}]
	return pair, ok
}

// ApplyTo poses every non-ignored camera in the array relative to the anchor
// camera, which becomes the world origin. If any camera has no measurement
// path to the anchor, no poses are written and an error naming the
// disconnected ports is returned.
func (n *PairedPoseNetwork) ApplyTo(array *CameraArray, anchorPort int) error {
	if _, ok := array.Cameras[anchorPort]; !ok {
		return errors.Errorf("anchor port %d is not in the camera array", anchorPort)
	}
	if n.graph.Node(int64(anchorPort)) == nil {
		return errors.Wrapf(ErrDisconnectedCamera, "anchor port %d has no measurements", anchorPort)
	}

	shortest := path.DijkstraFrom(n.graph.Node(int64(anchorPort)), n.graph)

	poses := map[int]*mat.Dense{anchorPort: spatialmath.Identity()}
	var disconnected []int
	for _, port := range array.Ports() {
		if port == anchorPort || array.Cameras[port].Ignore {
			continue
		}
		route, weight := shortest.To(int64(port))
		if math.IsInf(weight, 1) || len(route) == 0 {
			disconnected = append(disconnected, port)
			continue
		}
		pose := spatialmath.Identity()
		for i := 1; i < len(route); i++ {
			pair, ok := n.Pair(int(route[i-1].ID()), int(route[i].ID()))
			if !ok {
				return errors.Errorf("measurement graph inconsistent at edge %d-%d", route[i-1].ID(), route[i].ID())
			}
			pose = spatialmath.Compose(pair.Transformation(), pose)
		}
		poses[port] = pose
		n.logger.Debugf("port %d seeded via %d-hop path with composed error %.6f", port, len(route)-1, weight)
	}

	if len(disconnected) > 0 {
		return errors.Wrapf(ErrDisconnectedCamera, "ports %v unreachable from anchor %d", disconnected, anchorPort)
	}

	for port, pose := range poses {
		array.Cameras[port].SetTransformation(pose)
	}
	n.logger.Infof("camera array seeded from anchor port %d", anchorPort)
	return nil
}

// BestAnchor evaluates every candidate anchor and returns the one with the
// lowest total composed path error to the rest of the array. It fails if no
// candidate can reach every non-ignored camera.
func (n *PairedPoseNetwork) BestAnchor(array *CameraArray) (int, error) {
	bestPort := -1
	bestScore := math.Inf(1)
	for _, candidate := range array.Ports() {
		if array.Cameras[candidate].Ignore || n.graph.Node(int64(candidate)) == nil {
			continue
		}
		shortest := path.DijkstraFrom(n.graph.Node(int64(candidate)), n.graph)
		total := 0.0
		reachable := true
		for _, port := range array.Ports() {
			if port == candidate || array.Cameras[port].Ignore {
				continue
			}
			_, weight := shortest.To(int64(port))
			if math.IsInf(weight, 1) {
				reachable = false
				break
			}
			total += weight
		}
		if !reachable {
			continue
		}
		n.logger.Debugf("anchor candidate %d total path error %.6f", candidate, total)
		if total < bestScore {
			bestScore = total
			bestPort = candidate
		}
	}
	if bestPort < 0 {
		return 0, errors.Wrap(ErrDisconnectedCamera, "no anchor can reach every camera")
	}
	return bestPort, nil
}
