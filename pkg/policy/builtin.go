package policy

// builtinAuthz grants admins every action and tenants every action on their
// own tenant except reading the audit trail. Operator modules in the same
// package can add deny rules or further allow rules.
const builtinAuthz = `package drplane.authz

import rego.v1

default allow := false

allow if {
	input.identity.role == "ADMIN"
}

allow if {
	input.identity.role == "TENANT"
	input.identity.tenantId != ""
	input.identity.tenantId == input.tenantId
	not admin_only[input.action]
}

admin_only contains "audit.read"

deny contains msg if {
	input.identity.userId == ""
	msg := "identity has no user"
}

deny contains msg if {
	not input.identity.role in {"ADMIN", "TENANT"}
	msg := sprintf("unknown role %q", [input.identity.role])
}
`

// BuiltinPolicies returns the modules that are always loaded.
func BuiltinPolicies() []Policy {
	return []Policy{{
		Name:        "builtin-authz",
		Description: "Admins may act on any tenant; tenants on their own tenant only.",
		Rego:        builtinAuthz,
	}}
}
