// Package config loads froyo-mysql's two kinds of input.
//
// # Descriptors
//
// Service descriptors declare the MySQL instances on a host. They are
// written in CUE, YAML or JSON under a top-level services map whose keys
// name the instances:
//
//	services: {
//	    default: {
//	        platform: {name: "debian", version: "7"}
//	    }
//	    reporting: {
//	        version:  "5.6"
//	        port:     3307
//	        platform: {name: "ubuntu", version: "14.04"}
//	    }
//	}
//
// Every source is unified into one value and checked against the
// mysql.service schema before each entry is decoded, defaulted and
// validated as a mysql.Service. Errors carry the file, line and path
// they were found at.
//
// # Settings
//
// Settings configure the controller itself: telemetry, the run journal,
// event publishing, locking, the runner binary, the target host, instance
// probes and policies. They are read from YAML on top of DefaultSettings.
package config
