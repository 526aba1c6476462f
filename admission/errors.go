package admission

import "errors"

// ErrObserverUnavailable wraps failures of the chain observer. The caller may
// retry later; nothing was decided.
var ErrObserverUnavailable = errors.New("chain observer unavailable")
