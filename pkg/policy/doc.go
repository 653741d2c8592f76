// Package policy authorizes API operations with Open Policy Agent.
//
// Every request is evaluated against the Rego package drplane.authz with an
// input document of the form
//
//	{
//	  "identity": {"userId": "u-1", "tenantId": "acme", "role": "TENANT"},
//	  "action":   "deployment.submit",
//	  "tenantId": "acme",
//	  "time":     "2026-01-02T15:04:05Z"
//	}
//
// A request is allowed when data.drplane.authz.allow is true and
// data.drplane.authz.deny is empty. The built-in module allows admins every
// action and tenants every action on their own tenant except audit.read.
//
// Operators extend the decision by dropping .rego files into the policy
// directory. Modules must declare `import rego.v1`. Adding a deny rule is the
// usual extension:
//
//	package drplane.authz
//
//	import rego.v1
//
//	deny contains "destroy is frozen" if {
//	    input.action == "deployment.destroy"
//	    input.identity.role != "ADMIN"
//	}
//
// With watching enabled, the Loader recompiles the set on change. A module
// that fails to compile leaves the previous set active.
package policy
