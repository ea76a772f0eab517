// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2csense

import "errors"

// ErrNoSample is returned by an accessor when the quantity is measured by the
// sensor but no successful sample has been taken yet, or the last value left
// behind by a failed cycle must not be trusted.
var ErrNoSample = errors.New("i2csense: no valid sample")

// UnsupportedError is returned by an accessor for a quantity the concrete
// sensor type does not measure at all. Unlike a failed sample, this condition
// is static per sensor type, so callers can treat it as a misuse signal.
type UnsupportedError struct {
	Quantity string
}

func (e *UnsupportedError) Error() string {
	return "i2csense: quantity not measured by this sensor: " + e.Quantity
}
