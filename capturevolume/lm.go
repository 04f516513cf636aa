package capturevolume

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/logging"
	"github.com/mprib/caliscope/spatialmath"
)

const (
	// relative cost-decrease threshold for convergence
	lmFtol = 1e-8
	// finite-difference step scale for the numeric Jacobian
	lmJacStep    = 1e-6
	lmMaxIters   = 100
	lmLambdaInit = 1e-3
	lmLambdaMax  = 1e12
)

// projectWithExtrinsics runs the full camera model with extrinsics drawn from
// a packed 6-vector instead of the camera's committed state, so solver trial
// steps never touch the capture volume.
func projectWithExtrinsics(cam *cameras.CameraData, ext []float64, p r3.Vector) (r2.Point, error) {
	rot := spatialmath.RodriguesToRotation(r3.Vector{X: ext[0], Y: ext[1], Z: ext[2]})
	camFrame := r3.Vector{
		X: rot.At(0, 0)*p.X + rot.At(0, 1)*p.Y + rot.At(0, 2)*p.Z + ext[3],
		Y: rot.At(1, 0)*p.X + rot.At(1, 1)*p.Y + rot.At(1, 2)*p.Z + ext[4],
		Z: rot.At(2, 0)*p.X + rot.At(2, 1)*p.Y + rot.At(2, 2)*p.Z + ext[5],
	}
	if math.Abs(camFrame.Z) < 1e-12 {
		return r2.Point{}, errors.New("point projects onto the camera plane")
	}
	xn := camFrame.X / camFrame.Z
	yn := camFrame.Y / camFrame.Z
	xd, yd := cam.Distortion.Distort(xn, yn)
	return cam.Intrinsics.NormalizedToPixel(r2.Point{X: xd, Y: yd}), nil
}

// lmWorkspace holds the per-iteration normal-equation blocks. The Jacobian of
// a bundle adjustment problem is block sparse: each observation touches one
// camera's 6 parameters and one landmark's 3 coordinates, nothing else. The
// workspace exploits that by accumulating only the nonzero blocks and
// reducing the system onto the cameras via the Schur complement.
type lmWorkspace struct {
	camCount int
	objCount int

	// U[c] is the 6x6 camera diagonal block, V[p] the 3x3 landmark block,
	// W[c][p] the 6x3 coupling block for camera-landmark pairs that share an
	// observation.
	u []*mat.Dense
	v []*mat.Dense
	w []map[int]*mat.Dense

	gCam []float64 // length 6*camCount, -J_cam^T r
	gObj []float64 // length 3*objCount, -J_obj^T r
}

func newLMWorkspace(camCount, objCount int) *lmWorkspace {
	ws := &lmWorkspace{
		camCount: camCount,
		objCount: objCount,
		u:        make([]*mat.Dense, camCount),
		v:        make([]*mat.Dense, objCount),
		w:        make([]map[int]*mat.Dense, camCount),
		gCam:     make([]float64, camCount*cameras.CameraParamCount),
		gObj:     make([]float64, objCount*PointParamCount),
	}
	for c := range ws.u {
		ws.u[c] = mat.NewDense(6, 6, nil)
		ws.w[c] = map[int]*mat.Dense{}
	}
	for p := range ws.v {
		ws.v[p] = mat.NewDense(3, 3, nil)
	}
	return ws
}

func (ws *lmWorkspace) reset() {
	for c := range ws.u {
		ws.u[c].Zero()
		ws.w[c] = map[int]*mat.Dense{}
	}
	for p := range ws.v {
		ws.v[p].Zero()
	}
	for i := range ws.gCam {
		ws.gCam[i] = 0
	}
	for i := range ws.gObj {
		ws.gObj[i] = 0
	}
}

// accumulate folds one observation's Jacobian blocks and residual into the
// normal equations.
func (ws *lmWorkspace) accumulate(camIdx, objIdx int, jCam, jObj *mat.Dense, rx, ry float64) {
	// U_c += A^T A
	var ata mat.Dense
	ata.Mul(jCam.T(), jCam)
	ws.u[camIdx].Add(ws.u[camIdx], &ata)

	// V_p += B^T B
	var btb mat.Dense
	btb.Mul(jObj.T(), jObj)
	ws.v[objIdx].Add(ws.v[objIdx], &btb)

	// W_cp += A^T B
	var atb mat.Dense
	atb.Mul(jCam.T(), jObj)
	if existing, ok := ws.w[camIdx][objIdx]; ok {
		existing.Add(existing, &atb)
	} else {
		ws.w[camIdx][objIdx] = &atb
	}

	// gradient contributions -J^T r
	for i := 0; i < cameras.CameraParamCount; i++ {
		ws.gCam[camIdx*cameras.CameraParamCount+i] -= jCam.At(0, i)*rx + jCam.At(1, i)*ry
	}
	for i := 0; i < PointParamCount; i++ {
		ws.gObj[objIdx*PointParamCount+i] -= jObj.At(0, i)*rx + jObj.At(1, i)*ry
	}
}

// solveSparseLM refines the packed parameter vector with Levenberg-Marquardt,
// solving each damped step through the Schur complement on the camera blocks.
// It returns the converged vector without committing it anywhere.
func solveSparseLM(cv *CaptureVolume, x0 []float64, logger logging.Logger) ([]float64, error) {
	camCount := len(cv.Array.PosedPorts())
	objCount := cv.Points.LandmarkCount()
	ws := newLMWorkspace(camCount, objCount)

	x := make([]float64, len(x0))
	copy(x, x0)

	res, err := cv.residuals(x)
	if err != nil {
		return nil, err
	}
	cost := costOf(res)
	lambda := lmLambdaInit

	for iter := 0; iter < lmMaxIters; iter++ {
		ws.reset()
		if err := accumulateJacobian(cv, x, res, ws); err != nil {
			return nil, err
		}

		stepped := false
		solved := false
		var solveErr error
		for lambda <= lmLambdaMax {
			step, err := schurSolve(ws, lambda)
			if err != nil {
				solveErr = err
				lambda *= 10
				continue
			}
			trial := make([]float64, len(x))
			for i := range x {
				trial[i] = x[i] + step[i]
			}
			trialRes, err := cv.residuals(trial)
			if err != nil {
				solveErr = err
				lambda *= 10
				continue
			}
			solved = true
			trialCost := costOf(trialRes)
			if trialCost < cost {
				relDecrease := (cost - trialCost) / cost
				x, res = trial, trialRes
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				stepped = true
				logger.Debugw("lm step accepted", "iter", iter, "cost", cost, "lambda", lambda)
				if relDecrease <= lmFtol {
					return x, nil
				}
				break
			}
			lambda *= 10
		}
		if !stepped {
			if !solved {
				// every damping level failed numerically, not a minimum
				return nil, errors.Wrap(solveErr, "damped step failed at every lambda")
			}
			// solvable steps exist but none improves the cost; the iterate
			// sits at a (local) minimum up to float precision
			logger.Debugw("lm stalled; accepting iterate", "iter", iter, "cost", cost, "gradient", gradientNorm(ws))
			return x, nil
		}
	}
	return nil, errors.Errorf("no convergence within %d iterations", lmMaxIters)
}

// accumulateJacobian numerically differentiates each observation's residual
// against its camera and landmark parameters and accumulates the blocks.
func accumulateJacobian(cv *CaptureVolume, x, res []float64, ws *lmWorkspace) error {
	indexPort := cv.Array.IndexPort()
	camParams := ws.camCount * cameras.CameraParamCount

	jCam := mat.NewDense(2, cameras.CameraParamCount, nil)
	jObj := mat.NewDense(2, PointParamCount, nil)

	for k := 0; k < cv.Points.ObservationCount(); k++ {
		camIdx := cv.Points.CameraIndices[k]
		objIdx := cv.Points.ObjIndices[k]
		cam := cv.Array.Cameras[indexPort[camIdx]]

		ext := make([]float64, cameras.CameraParamCount)
		copy(ext, x[camIdx*cameras.CameraParamCount:(camIdx+1)*cameras.CameraParamCount])
		base := camParams + objIdx*PointParamCount
		world := r3.Vector{X: x[base], Y: x[base+1], Z: x[base+2]}

		rx, ry := res[2*k], res[2*k+1]
		baseProj := r2.Point{X: rx + cv.Points.Img[k].X, Y: ry + cv.Points.Img[k].Y}

		for i := 0; i < cameras.CameraParamCount; i++ {
			h := lmJacStep * math.Max(1, math.Abs(ext[i]))
			orig := ext[i]
			ext[i] = orig + h
			proj, err := projectWithExtrinsics(cam, ext, world)
			ext[i] = orig
			if err != nil {
				return err
			}
			jCam.Set(0, i, (proj.X-baseProj.X)/h)
			jCam.Set(1, i, (proj.Y-baseProj.Y)/h)
		}

		coords := []float64{world.X, world.Y, world.Z}
		for i := 0; i < PointParamCount; i++ {
			h := lmJacStep * math.Max(1, math.Abs(coords[i]))
			bumped := world
			switch i {
			case 0:
				bumped.X += h
			case 1:
				bumped.Y += h
			case 2:
				bumped.Z += h
			}
			proj, err := projectWithExtrinsics(cam, ext, bumped)
			if err != nil {
				return err
			}
			jObj.Set(0, i, (proj.X-baseProj.X)/h)
			jObj.Set(1, i, (proj.Y-baseProj.Y)/h)
		}

		ws.accumulate(camIdx, objIdx, jCam, jObj, rx, ry)
	}
	return nil
}

// schurSolve computes one damped Gauss-Newton step. Landmark blocks are
// eliminated analytically, the reduced 6Cx6C camera system is solved by
// Cholesky, and landmark updates come from back-substitution.
func schurSolve(ws *lmWorkspace, lambda float64) ([]float64, error) {
	camDim := ws.camCount * cameras.CameraParamCount

	// damp the diagonal blocks, lambda scaling each diagonal entry
	uDamped := make([]*mat.Dense, ws.camCount)
	for c := range uDamped {
		d := mat.DenseCopyOf(ws.u[c])
		for i := 0; i < 6; i++ {
			d.Set(i, i, d.At(i, i)*(1+lambda)+1e-12)
		}
		uDamped[c] = d
	}
	vInv := make([]*mat.Dense, ws.objCount)
	for p := range vInv {
		d := mat.DenseCopyOf(ws.v[p])
		for i := 0; i < 3; i++ {
			d.Set(i, i, d.At(i, i)*(1+lambda)+1e-12)
		}
		var inv mat.Dense
		if err := inv.Inverse(d); err != nil {
			return nil, errors.Wrapf(err, "landmark block %d is singular", p)
		}
		vInv[p] = &inv
	}

	// S = U - W V^-1 W^T, assembled into the reduced camera system
	s := mat.NewSymDense(camDim, nil)
	rhs := make([]float64, camDim)
	for c := 0; c < ws.camCount; c++ {
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				s.SetSym(c*6+i, c*6+j, uDamped[c].At(i, j))
			}
			rhs[c*6+i] = ws.gCam[c*6+i]
		}
	}
	for ci := 0; ci < ws.camCount; ci++ {
		for p, wip := range ws.w[ci] {
			// rhs_c -= W_cp V_p^-1 h_p
			var wv mat.Dense
			wv.Mul(wip, vInv[p]) // 6x3
			for i := 0; i < 6; i++ {
				for j := 0; j < 3; j++ {
					rhs[ci*6+i] -= wv.At(i, j) * ws.gObj[p*3+j]
				}
			}
			// S -= W_cp V_p^-1 W_cp'^T for every camera cj sharing landmark p
			for cj := ci; cj < ws.camCount; cj++ {
				wjp, ok := ws.w[cj][p]
				if !ok {
					continue
				}
				var block mat.Dense
				block.Mul(&wv, wjp.T()) // 6x6
				for i := 0; i < 6; i++ {
					jStart := 0
					if ci == cj {
						jStart = i
					}
					for j := jStart; j < 6; j++ {
						s.SetSym(ci*6+i, cj*6+j, s.At(ci*6+i, cj*6+j)-block.At(i, j))
					}
				}
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return nil, errors.New("reduced camera system is not positive definite")
	}
	deltaCam := mat.NewVecDense(camDim, nil)
	if err := chol.SolveVecTo(deltaCam, mat.NewVecDense(camDim, rhs)); err != nil {
		return nil, err
	}

	// back-substitute landmarks: delta_p = V_p^-1 (h_p - W^T delta_cam)
	step := make([]float64, camDim+ws.objCount*PointParamCount)
	for i := 0; i < camDim; i++ {
		step[i] = deltaCam.AtVec(i)
	}
	for p := 0; p < ws.objCount; p++ {
		h := []float64{ws.gObj[p*3], ws.gObj[p*3+1], ws.gObj[p*3+2]}
		for c := 0; c < ws.camCount; c++ {
			wcp, ok := ws.w[c][p]
			if !ok {
				continue
			}
			for j := 0; j < 3; j++ {
				for i := 0; i < 6; i++ {
					h[j] -= wcp.At(i, j) * deltaCam.AtVec(c*6+i)
				}
			}
		}
		for i := 0; i < 3; i++ {
			v := 0.0
			for j := 0; j < 3; j++ {
				v += vInv[p].At(i, j) * h[j]
			}
			step[camDim+p*3+i] = v
		}
	}
	return step, nil
}

func costOf(residuals []float64) float64 {
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return 0.5 * sum
}

func gradientNorm(ws *lmWorkspace) float64 {
	sum := 0.0
	for _, g := range ws.gCam {
		sum += g * g
	}
	for _, g := range ws.gObj {
		sum += g * g
	}
	return math.Sqrt(sum)
}
