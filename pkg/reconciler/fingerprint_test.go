package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetd/pkg/types"
)

func sampleSpec() types.ServiceSpec {
	return types.ServiceSpec{
		ServiceID:   "web",
		ServiceName: "web",
		ImageName:   "nginx:1.25",
		Config: types.ServiceConfig{
			RestartPolicy: "always",
			NetworkMode:   "bridge",
			Ports:         []types.PortMapping{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}},
			Volumes:       []types.VolumeMapping{{Source: "/data", Target: "/var/data"}},
			Environment:   map[string]string{"FOO": "bar", "BAZ": "qux"},
			Labels:        map[string]string{"team": "edge"},
			Networks:      []string{"edgenet"},
		},
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	a := fingerprint(sampleSpec())
	b := fingerprint(sampleSpec())
	assert.Equal(t, a, b)
}

func TestFingerprintStableAcrossMapOrdering(t *testing.T) {
	s1 := sampleSpec()
	s2 := sampleSpec()
	s2.Config.Environment = map[string]string{"BAZ": "qux", "FOO": "bar"}
	assert.Equal(t, fingerprint(s1), fingerprint(s2))
}

func TestFingerprintIgnoresRuntimeFields(t *testing.T) {
	s1 := sampleSpec()
	s2 := sampleSpec()
	s2.ContainerID = "abc123"
	s2.Status = "running"
	assert.Equal(t, fingerprint(s1), fingerprint(s2))
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	s1 := sampleSpec()
	s2 := sampleSpec()
	s2.Config.Environment["FOO"] = "changed"
	assert.NotEqual(t, fingerprint(s1), fingerprint(s2))
}

func TestFingerprintChangesWithImage(t *testing.T) {
	s1 := sampleSpec()
	s2 := sampleSpec()
	s2.ImageName = "nginx:1.26"
	assert.NotEqual(t, fingerprint(s1), fingerprint(s2))
}
