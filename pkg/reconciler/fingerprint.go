package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/fleetd/pkg/types"
)

// fingerprint hashes the subset of a ServiceSpec that requires a
// stop+recreate when it changes: image, ports, volumes, networks, env,
// network mode, restart policy, and labels. ContainerID and Status are
// runtime-observed fields and deliberately excluded — including them would
// make every service look "changed" the moment the driver reports it as
// running.
func fingerprint(spec types.ServiceSpec) string {
	var b strings.Builder

	fmt.Fprintf(&b, "image=%s\n", spec.ImageName)
	fmt.Fprintf(&b, "restart=%s\n", spec.Config.RestartPolicy)
	fmt.Fprintf(&b, "network_mode=%s\n", spec.Config.NetworkMode)

	ports := append([]types.PortMapping(nil), spec.Config.Ports...)
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].ContainerPort != ports[j].ContainerPort {
			return ports[i].ContainerPort < ports[j].ContainerPort
		}
		return ports[i].HostPort < ports[j].HostPort
	})
	for _, p := range ports {
		fmt.Fprintf(&b, "port=%d:%d/%s\n", p.ContainerPort, p.HostPort, p.Protocol)
	}

	volumes := append([]types.VolumeMapping(nil), spec.Config.Volumes...)
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Target < volumes[j].Target })
	for _, v := range volumes {
		fmt.Fprintf(&b, "volume=%s:%s:%t\n", v.Source, v.Target, v.ReadOnly)
	}

	networks := append([]string(nil), spec.Config.Networks...)
	sort.Strings(networks)
	for _, n := range networks {
		fmt.Fprintf(&b, "net=%s\n", n)
	}

	writeSortedMap(&b, "env", spec.Config.Environment)
	writeSortedMap(&b, "label", spec.Config.Labels)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeSortedMap(b *strings.Builder, prefix string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s.%s=%s\n", prefix, k, m[k])
	}
}
