// Package schedule picks diffusion timesteps for score distillation
// according to a string-encoded annealing policy.
//
// Policies:
//
//	"randint"        uniform in [minRatio*T, maxRatio*T]
//	"max_<v>_<s>"    randint until step s, then the upper bound is
//	                 clamped to v*T (e.g. "max_0.5_200")
//	"min_<v>_<s>"    randint until step s, then the lower bound is
//	                 raised to v*T
package schedule

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// UnsupportedScheduleError reports a policy string the grammar does
// not recognize.
type UnsupportedScheduleError struct {
	Policy string
}

func (e *UnsupportedScheduleError) Error() string {
	return fmt.Sprintf("schedule: policy %q is not supported", e.Policy)
}

var (
	maxAnnealRe = regexp.MustCompile(`^max_([\d.]+)_(\d+)$`)
	minAnnealRe = regexp.MustCompile(`^min_([\d.]+)_(\d+)$`)
)

// Pick samples one timestep for the given optimization step. T is the
// oracle's number of training timesteps. Sampling is independent
// across calls; the corridor is inclusive on both ends.
func Pick(rng *rand.Rand, step int, policy string, minRatio, maxRatio float64, numTrain int) (int, error) {
	minStep := int(float64(numTrain) * minRatio)
	maxStep := int(float64(numTrain) * maxRatio)

	switch {
	case policy == "randint":
		// corridor unchanged

	case maxAnnealRe.MatchString(policy):
		val, upd, err := parseAnneal(policy)
		if err != nil {
			return 0, &UnsupportedScheduleError{Policy: policy}
		}
		if step >= upd {
			maxStep = int(float64(numTrain) * val)
		}

	case minAnnealRe.MatchString(policy):
		val, upd, err := parseAnneal(policy)
		if err != nil {
			return 0, &UnsupportedScheduleError{Policy: policy}
		}
		if step >= upd {
			minStep = int(float64(numTrain) * val)
		}

	default:
		return 0, &UnsupportedScheduleError{Policy: policy}
	}

	if maxStep < minStep {
		return 0, fmt.Errorf("schedule: empty corridor [%d, %d] for policy %q", minStep, maxStep, policy)
	}
	return minStep + rng.Intn(maxStep-minStep+1), nil
}

// parseAnneal extracts the ratio and switch step from a policy the
// anneal grammar matched. The regex still admits malformed ratios like
// "1.2.3", which ParseFloat rejects.
func parseAnneal(policy string) (float64, int, error) {
	parts := strings.Split(policy, "_")
	val, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, err
	}
	upd, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, err
	}
	return val, upd, nil
}
