//go:build !linux

package overlay

import "errors"

var errExchangeUnsupported = errors.New("overlay: atomic exchange unsupported")

func exchange(a, b string) error { return errExchangeUnsupported }
