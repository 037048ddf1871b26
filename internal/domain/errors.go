package domain

import "errors"

// ErrInvalidSource rejects a submitted source that is not an absolute
// http(s) URL. Handlers map it to a 400 response.
var ErrInvalidSource = errors.New("invalid source url")
