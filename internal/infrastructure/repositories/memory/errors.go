package memory

import "errors"

var errIDExhausted = errors.New("could not allocate a unique client id")
