package telemetry

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceID(t *testing.T) {
	a, b := InstanceID(), InstanceID()

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "-"+strconv.Itoa(os.Getpid())+"-")

	suffix := a[strings.LastIndex(a, "-")+1:]
	assert.Len(t, suffix, 8)
}
