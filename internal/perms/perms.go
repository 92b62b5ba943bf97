// Package perms maps RPC method names to the permission level a caller must
// hold before the server will dispatch the method to an agent.
package perms

// Level orders permission strength: READ < EXECUTE < ADMIN.
type Level int

const (
	Read Level = iota
	Execute
	Admin
)

func (l Level) String() string {
	switch l {
	case Read:
		return "READ"
	case Execute:
		return "EXECUTE"
	case Admin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// catalog is fixed at build time. Methods not listed here require Admin:
// default-deny keeps a newly added agent method from being callable by
// low-privilege users before someone classifies it.
var catalog = map[string]Level{
	"system.info":    Read,
	"system.uptime":  Read,
	"system.exec":    Admin,
	"agent.version":  Read,
	"agent.config":   Execute,
	"agent.update":   Admin,
	"agent.restart":  Admin,

	"docker.containers.list":    Read,
	"docker.containers.inspect": Read,
	"docker.containers.logs":    Read,
	"docker.containers.stats":   Read,
	"docker.containers.start":   Execute,
	"docker.containers.stop":    Execute,
	"docker.containers.restart": Execute,
	"docker.containers.create":  Admin,
	"docker.containers.remove":  Admin,
	"docker.images.pull":        Execute,
	"docker.version":            Read,
	"docker.info":               Read,
}

// Required returns the permission level needed to invoke method.
// Unknown methods require Admin.
func Required(method string) Level {
	if lvl, ok := catalog[method]; ok {
		return lvl
	}
	return Admin
}

// Allows reports whether a caller holding `held` may invoke method.
func Allows(held Level, method string) bool {
	return held >= Required(method)
}
