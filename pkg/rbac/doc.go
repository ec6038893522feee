// Package rbac implements role and policy management plus the policy enforcer.
//
// A Policy is a named boolean rule expression over the requester's credentials
// and an optional target resource, for example:
//
//	role:admin or (role:member and project_id:%(project_id)s)
//
// Rules may reference other rules by name (rule:<name>). The full rule set is
// compiled into an Enforcer; reference cycles and parse errors are rejected at
// load time so a bad policy can never reach the live enforcer.
package rbac
