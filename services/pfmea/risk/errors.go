package risk

import "errors"

// ErrRatingOutOfRange is returned when a severity or occurrence rating
// outside [1,5] reaches the engine. The pipeline coerces ratings before
// calling in, so seeing this error means a coercion defect upstream.
var ErrRatingOutOfRange = errors.New("rating out of range")
