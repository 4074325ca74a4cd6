package telemetry

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// InstanceID returns a unique string for this process (hostname+pid+random).
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	suffix, _, _ := strings.Cut(uuid.NewString(), "-")

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + suffix
}
