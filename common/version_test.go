package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: 1, Minor: 2, Patch: 3}
	require.Equal(t, "1.2.3", v.String())

	v.Prerelease = "-pre"
	require.Equal(t, "1.2.3-pre", v.String())
}

