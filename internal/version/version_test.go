package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbfs/internal/version"
)

func TestGet(t *testing.T) {
	old := version.Version
	t.Cleanup(func() { version.Version = old })

	version.Version = "v1.4.2-dirty"
	assert.Equal(t, "1.4.2-dirty", version.Get())

	version.Version = ""
	assert.NotEmpty(t, version.Get())
}
