package crs

import "errors"

var (
	// ErrInvalidStructure is returned whenever a CRS or a contribution does not
	// pass validation. All validation failures wrap it.
	ErrInvalidStructure = errors.New("invalid structure")
	// ErrMalformedGenesis is returned when the genesis CRS cannot be built.
	ErrMalformedGenesis = errors.New("malformed genesis")
)
