package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		configPermissionsPolicy(),
		worldWritablePolicy(),
		runUserPolicy(),
		privilegedPortPolicy(),
	}
}

// configPermissionsPolicy keeps my.cnf away from other users.
func configPermissionsPolicy() Policy {
	return Policy{
		Name:        "config-permissions",
		Description: "my.cnf must not be readable by other users",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "files"},
		Rego: `package froyo.mysql.config_permissions

import rego.v1

deny contains violation if {
	some d in input.plan.declarations
	d.kind == "template"
	endswith(d.path, "/my.cnf")
	not endswith(d.mode, "0")
	violation := {
		"message": sprintf("%s has mode %s; my.cnf must not grant access to other users", [d.path, d.mode]),
		"declaration": d.name,
	}
}
`,
	}
}

// worldWritablePolicy rejects world-writable files and directories.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "no-world-writable",
		Description: "Files and directories must not be world-writable",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "files"},
		Rego: `package froyo.mysql.world_writable

import rego.v1

writable_digits := {"2", "3", "6", "7"}

deny contains violation if {
	some d in input.plan.declarations
	d.kind in {"file", "template", "directory"}
	d.mode != ""
	substring(d.mode, count(d.mode) - 1, 1) in writable_digits
	violation := {
		"message": sprintf("%s would be world-writable (mode %s)", [d.path, d.mode]),
		"declaration": d.name,
	}
}
`,
	}
}

// runUserPolicy refuses to run mysqld as root.
func runUserPolicy() Policy {
	return Policy{
		Name:        "no-root-run-user",
		Description: "mysqld must not run as root",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"security", "accounts"},
		Rego: `package froyo.mysql.run_user

import rego.v1

deny contains violation if {
	some d in input.plan.declarations
	d.kind == "template"
	d.variables.run_user == "root"
	violation := {
		"message": sprintf("%s renders mysqld to run as root", [d.path]),
		"declaration": d.name,
	}
}
`,
	}
}

// privilegedPortPolicy warns about ports below 1024.
func privilegedPortPolicy() Policy {
	return Policy{
		Name:        "privileged-port",
		Description: "Warns when mysqld listens on a privileged port",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"network"},
		Rego: `package froyo.mysql.privileged_port

import rego.v1

deny contains violation if {
	some d in input.plan.declarations
	d.kind == "template"
	endswith(d.path, "/my.cnf")
	d.variables.port < 1024
	violation := {
		"message": sprintf("port %d is privileged", [d.variables.port]),
		"declaration": d.name,
	}
}
`,
	}
}
