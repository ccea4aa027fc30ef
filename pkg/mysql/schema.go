package mysql

// ResourceType is the type name descriptors are registered under.
const ResourceType = "mysql.service"

// ServiceSchema is the CUE definition a descriptor is unified with before
// it is decoded into a Service. Defaults are left to Parsed so CUE and YAML
// descriptors behave the same.
const ServiceSchema = `
#Platform: {
	name:    "debian" | "ubuntu"
	version: string & =~"^[0-9]+(\\.[0-9]+)*$"
}

#Service: {
	name?:         string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	version?:      "5.5" | "5.6"
	package_name?: string & !=""
	run_user?:     string & =~"^[a-z_][a-z0-9_-]*$"
	run_group?:    string & =~"^[a-z_][a-z0-9_-]*$"
	data_dir?:     string & =~"^/[A-Za-z0-9 ._+@%:=,/-]*$"
	port?:         int & >=1 & <=65535
	// Detected on the target when omitted.
	platform?:     #Platform
}
`
