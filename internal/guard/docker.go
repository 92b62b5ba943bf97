package guard

import (
	"fmt"
	"strings"

	"github.com/moby/moby/api/types/container"
)

// dangerousCaps grant enough kernel access to break container isolation.
var dangerousCaps = map[string]bool{
	"ALL":        true,
	"SYS_ADMIN":  true,
	"SYS_PTRACE": true,
	"SYS_RAWIO":  true,
	"NET_ADMIN":  true,
}

// protectedPaths must never be bind-mounted writable into a container.
var protectedPaths = []string{"/", "/etc", "/var", "/usr", "/bin", "/root"}

const dockerSocket = "/var/run/docker.sock"

// ValidateHostConfig screens container creation options for host-takeover
// vectors. A nil config is valid.
func ValidateHostConfig(hc *container.HostConfig) error {
	if hc == nil {
		return nil
	}
	if hc.Privileged {
		return fmt.Errorf("privileged containers are not permitted")
	}
	for _, c := range hc.CapAdd {
		name := strings.TrimPrefix(strings.ToUpper(string(c)), "CAP_")
		if dangerousCaps[name] {
			return fmt.Errorf("capability %s is not permitted", name)
		}
	}
	if hc.PidMode.IsHost() {
		return fmt.Errorf("host PID namespace is not permitted")
	}
	if hc.NetworkMode.IsHost() {
		return fmt.Errorf("host network mode is not permitted")
	}
	for _, bind := range hc.Binds {
		if err := validateBind(bind); err != nil {
			return err
		}
	}
	return nil
}

// validateBind checks one "host:container[:opts]" bind spec.
func validateBind(bind string) error {
	parts := strings.Split(bind, ":")
	if len(parts) < 2 {
		return nil
	}
	hostPath := parts[0]
	readOnly := false
	if len(parts) >= 3 {
		for _, opt := range strings.Split(parts[2], ",") {
			if opt == "ro" {
				readOnly = true
			}
		}
	}

	if cleanPath(hostPath) == dockerSocket {
		return fmt.Errorf("mounting the Docker socket is not permitted")
	}

	if readOnly {
		// Read-only mounts of specific files under protected paths are fine.
		return nil
	}
	for _, p := range protectedPaths {
		if pathCovers(p, hostPath) {
			return fmt.Errorf("writable bind mount of %s is not permitted", hostPath)
		}
	}
	return nil
}

func cleanPath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// pathCovers reports whether hostPath is the protected path itself or lives
// directly on it. "/var/lib/myapp" is covered by "/var"; "/variant" is not.
func pathCovers(protected, hostPath string) bool {
	hostPath = cleanPath(hostPath)
	if protected == "/" {
		return hostPath == "/"
	}
	return hostPath == protected || strings.HasPrefix(hostPath, protected+"/")
}
