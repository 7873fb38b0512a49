package robust

import "errors"

var (
	// ErrDegenerateSample is returned when a point set yields a rank-deficient
	// or otherwise unsolvable linear system. Inside the ensemble loop it only
	// causes the trial to be redrawn.
	ErrDegenerateSample = errors.New("degenerate sample")

	// ErrIllConditionedDataset is returned when not enough non-degenerate
	// minimal sets can be drawn within the retry caps.
	ErrIllConditionedDataset = errors.New("ill-conditioned dataset")

	// ErrModelNotFitted is returned when residuals or parameters are requested
	// before any fit succeeded.
	ErrModelNotFitted = errors.New("model not fitted")

	// ErrClusteringUndefined is returned when the statistic values cannot be
	// split into two clusters (fewer than two values, or all identical).
	ErrClusteringUndefined = errors.New("clustering undefined")

	// ErrInvalidConfig is returned for out-of-range estimator settings.
	ErrInvalidConfig = errors.New("invalid estimator config")

	// ErrInvalidDataset is returned for malformed match sets.
	ErrInvalidDataset = errors.New("invalid match set")

	// ErrMatchSetUnavailable is returned when a match set server refuses the
	// request outright (a 4xx response other than 408 or 429).
	ErrMatchSetUnavailable = errors.New("match set unavailable")
)
