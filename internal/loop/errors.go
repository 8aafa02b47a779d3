package loop

import "errors"

var ErrStopped = errors.New("loop: stopped")
