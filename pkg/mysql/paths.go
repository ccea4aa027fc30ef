package mysql

import (
	"path"
)

// Fixed locations of the Debian MySQL packages.
const (
	BaseDir       = "/usr"
	MysqldSafeBin = "/usr/bin/mysqld_safe"
	InstallDBBin  = "/usr/bin/mysql_install_db"
	TestBin       = "/usr/bin/test"

	// DistroService is the init script the packages install for the
	// stock instance.
	DistroService = "mysql"
)

// Configuration files left behind by the packages that would otherwise
// be read by every instance.
var DistroConfigFiles = []string{"/etc/mysql/my.cnf", "/etc/my.cnf"}

// The helpers below are pure functions of the descriptor. Call them on a
// parsed Service.

// MysqlName is the instance's system name.
func (s Service) MysqlName() string {
	return "mysql-" + s.Name
}

// ConfDir holds the instance's configuration.
func (s Service) ConfDir() string {
	return path.Join("/etc", s.MysqlName())
}

func (s Service) ConfigFile() string {
	return path.Join(s.ConfDir(), "my.cnf")
}

// IncludeDir is scanned by mysqld for extra option files.
func (s Service) IncludeDir() string {
	return path.Join(s.ConfDir(), "conf.d")
}

func (s Service) RunDir() string {
	return path.Join("/var/run", s.MysqlName())
}

func (s Service) PidFile() string {
	return path.Join(s.RunDir(), "mysqld.pid")
}

func (s Service) SocketFile() string {
	return path.Join(s.RunDir(), "mysqld.sock")
}

func (s Service) LogDir() string {
	return path.Join("/var/log", s.MysqlName())
}

// InitScript is the sysvinit script controlling the instance.
func (s Service) InitScript() string {
	return path.Join("/etc/init.d", s.MysqlName())
}

// InitializedMarker exists once mysql_install_db has populated DataDir.
func (s Service) InitializedMarker() string {
	return path.Join(s.DataDir, "mysql", "user.frm")
}

// MyCnfSource names the my.cnf template for the instance's version.
func (s Service) MyCnfSource() string {
	return path.Join(s.Version, "my.cnf")
}

// InitScriptSource names the init script template for the version and platform.
func (s Service) InitScriptSource() string {
	return path.Join(s.Version, "sysvinit", s.Platform.PlatformAndVersion(), "mysql")
}

// Paths is a flat view of every derived location.
type Paths struct {
	MysqlName         string `json:"mysql_name"`
	ConfDir           string `json:"conf_dir"`
	ConfigFile        string `json:"config_file"`
	IncludeDir        string `json:"include_dir"`
	RunDir            string `json:"run_dir"`
	PidFile           string `json:"pid_file"`
	SocketFile        string `json:"socket_file"`
	LogDir            string `json:"log_dir"`
	DataDir           string `json:"data_dir"`
	InitScript        string `json:"init_script"`
	InitializedMarker string `json:"initialized_marker"`
	MyCnfSource       string `json:"my_cnf_source"`
	InitScriptSource  string `json:"init_script_source"`
	PlatformVersion   string `json:"platform_and_version"`
}

// Paths collects the derived locations of s.
func (s Service) Paths() Paths {
	return Paths{
		MysqlName:         s.MysqlName(),
		ConfDir:           s.ConfDir(),
		ConfigFile:        s.ConfigFile(),
		IncludeDir:        s.IncludeDir(),
		RunDir:            s.RunDir(),
		PidFile:           s.PidFile(),
		SocketFile:        s.SocketFile(),
		LogDir:            s.LogDir(),
		DataDir:           s.DataDir,
		InitScript:        s.InitScript(),
		InitializedMarker: s.InitializedMarker(),
		MyCnfSource:       s.MyCnfSource(),
		InitScriptSource:  s.InitScriptSource(),
		PlatformVersion:   s.Platform.PlatformAndVersion(),
	}
}
