package protocol

import "strings"

// Connection roles in their internal form. The wire always carries the
// lowercase form; translation happens at the edges through this table.
const (
	RoleMaster     = "MASTER"
	RoleSatellite  = "SATELLITE"
	RoleStandalone = "STANDALONE"
	RoleMobile     = "MOBILE"
	RoleAdmin      = "ADMIN"
	RoleCashier    = "CASHIER"
)

var wireRoles = map[string]string{
	"master":     RoleMaster,
	"satellite":  RoleSatellite,
	"standalone": RoleStandalone,
	"mobile":     RoleMobile,
	"admin":      RoleAdmin,
	"cashier":    RoleCashier,
}

var internalRoles = func() map[string]string {
	m := make(map[string]string, len(wireRoles))
	for w, in := range wireRoles {
		m[in] = w
	}
	return m
}()

// InternalRole maps a wire role to its internal form.
func InternalRole(wire string) (string, bool) {
	r, ok := wireRoles[strings.ToLower(wire)]
	return r, ok
}

// WireRole maps an internal role to the form carried on the wire.
func WireRole(internal string) (string, bool) {
	r, ok := internalRoles[internal]
	return r, ok
}
