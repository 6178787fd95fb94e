package learning

import "math"

// welchTTest runs Welch's t-test for unequal variances on two independent ROI
// samples, returning the two-tailed p-value. No statistics library appears
// anywhere in the example pack, so this is a deliberate stdlib-math fallback; the
// formula itself is the standard Welch statistic plus a Student's-t CDF
// approximation via the regularized incomplete beta function.
func welchTTest(a, b []float64) (pValue float64) {
	if len(a) < 2 || len(b) < 2 {
		return 1
	}
	meanA, varA := meanVar(a)
	meanB, varB := meanVar(b)
	if varA == 0 && varB == 0 {
		if meanA == meanB {
			return 1
		}
		return 0
	}

	se := math.Sqrt(varA/float64(len(a)) + varB/float64(len(b)))
	if se == 0 {
		return 1
	}
	t := (meanA - meanB) / se

	dfNum := math.Pow(varA/float64(len(a))+varB/float64(len(b)), 2)
	dfDenA := math.Pow(varA/float64(len(a)), 2) / float64(len(a)-1)
	dfDenB := math.Pow(varB/float64(len(b)), 2) / float64(len(b)-1)
	df := dfNum / (dfDenA + dfDenB)
	if df <= 0 || math.IsNaN(df) {
		df = float64(len(a) + len(b) - 2)
	}

	return studentTTwoTailed(math.Abs(t), df)
}

func meanVar(v []float64) (mean, variance float64) {
	n := float64(len(v))
	for _, x := range v {
		mean += x
	}
	mean /= n
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	variance /= (n - 1)
	return mean, variance
}

// studentTTwoTailed returns P(|T| > t) for a Student's t distribution with df
// degrees of freedom, via the regularized incomplete beta function.
func studentTTwoTailed(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	x := df / (df + t*t)
	return regularizedIncompleteBeta(x, df/2, 0.5)
}

// regularizedIncompleteBeta computes I_x(a, b) via a continued-fraction expansion
// (Numerical Recipes' betacf), the standard approach absent a stats library.
func regularizedIncompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta := lgamma(a+b) - lgamma(a) - lgamma(b) + a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(lbeta)
	if x < (a+1)/(a+b+2) {
		return front * betacf(x, a, b) / a
	}
	return 1 - front*betacf(1-x, b, a)/b
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func betacf(x, a, b float64) float64 {
	const maxIter = 200
	const eps = 3e-12
	const fpMin = 1e-300

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < fpMin {
		d = fpMin
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIter; m++ {
		m2 := float64(2 * m)
		aa := float64(m) * (b - float64(m)) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpMin {
			d = fpMin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpMin {
			c = fpMin
		}
		d = 1 / d
		h *= d * c

		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpMin {
			d = fpMin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpMin {
			c = fpMin
		}
		d = 1 / d
		delta := d * c
		h *= delta
		if math.Abs(delta-1) < eps {
			break
		}
	}
	return h
}

// chiSquareWinRate runs a chi-square test of independence on a 2x2 table of
// (bucket wins, bucket losses) vs (baseline wins, baseline losses), returning the
// two-tailed p-value via a chi-square(1) survival-function approximation.
func chiSquareWinRate(bucketWins, bucketN int, baselineWinRate float64, baselineN int) float64 {
	if bucketN == 0 || baselineN == 0 {
		return 1
	}
	baselineWins := int(baselineWinRate * float64(baselineN))
	totalWins := bucketWins + baselineWins
	totalN := bucketN + baselineN
	expectedBucketWins := float64(bucketN) * float64(totalWins) / float64(totalN)
	expectedBucketLoss := float64(bucketN) * float64(totalN-totalWins) / float64(totalN)
	expectedBaseWins := float64(baselineN) * float64(totalWins) / float64(totalN)
	expectedBaseLoss := float64(baselineN) * float64(totalN-totalWins) / float64(totalN)

	chi2 := 0.0
	for _, pair := range [][2]float64{
		{float64(bucketWins), expectedBucketWins},
		{float64(bucketN - bucketWins), expectedBucketLoss},
		{float64(baselineWins), expectedBaseWins},
		{float64(baselineN - baselineWins), expectedBaseLoss},
	} {
		observed, expected := pair[0], pair[1]
		if expected == 0 {
			continue
		}
		chi2 += (observed - expected) * (observed - expected) / expected
	}
	// chi-square(1) survival function is 2*(1 - Phi(sqrt(chi2))); approximate Phi
	// via the error function, stdlib math's closest primitive.
	return 2 * (1 - 0.5*(1+math.Erf(math.Sqrt(chi2/2))))
}
