package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Current(t *testing.T) {
	saved := Build
	defer func() { Build = saved }()

	Build = "0.1.0"
	v := Current()
	assert.Equal(t, Version{Major: 0, Minor: 1}, v)
	assert.Equal(t, "0.1.0", v.String())

	Build = "v1.2.3-g1a2b3c4"
	v = Current()
	assert.Equal(t, Version{Major: 1, Minor: 2, Patch: 3, Commit: "g1a2b3c4"}, v)
	assert.Equal(t, "1.2.3-g1a2b3c4", v.String())

	Build = "7"
	v = Current()
	assert.Equal(t, 7, v.Major)
	assert.Equal(t, "7.0.0", v.String())
}
