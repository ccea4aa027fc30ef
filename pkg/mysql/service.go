// Package mysql implements the Debian-family MySQL service provider: the
// instance descriptor, its derived paths, and the lifecycle actions that
// expand into ordered resource declarations.
package mysql

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Defaults applied to unset descriptor fields.
const (
	DefaultName     = "default"
	DefaultRunUser  = "mysql"
	DefaultRunGroup = "mysql"
	DefaultPort     = 3306
)

// Service describes one MySQL instance on a host.
type Service struct {
	// Name distinguishes instances on the same host; "default" when unset.
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`

	// Version is the MySQL series, e.g. "5.5". Defaults per platform.
	Version string `json:"version,omitempty" yaml:"version,omitempty" validate:"required"`

	// PackageName overrides the server package, "mysql-server-<version>" by default.
	PackageName string `json:"package_name,omitempty" yaml:"package_name,omitempty" validate:"required"`

	// RunUser and RunGroup own the instance's files and run mysqld.
	RunUser  string `json:"run_user,omitempty" yaml:"run_user,omitempty" validate:"required,unixname"`
	RunGroup string `json:"run_group,omitempty" yaml:"run_group,omitempty" validate:"required,unixname"`

	// DataDir holds the databases, "/var/lib/<mysql_name>" by default.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" validate:"required,safepath"`

	// Port is the TCP port mysqld listens on.
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"required,min=1,max=65535"`

	// Platform is the target distribution.
	Platform Platform `json:"platform" yaml:"platform"`
}

// Accounts and the data directory end up in shell commands and init
// scripts, where they are also quoted.
var (
	unixNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	safePathPattern = regexp.MustCompile(`^/[A-Za-z0-9 ._+@%:=,/-]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("unixname", func(fl validator.FieldLevel) bool {
		return unixNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("safepath", func(fl validator.FieldLevel) bool {
		return safePathPattern.MatchString(fl.Field().String())
	})
	return v
}

// Parsed returns a copy of s with every unset field defaulted. The
// receiver is not modified.
func (s Service) Parsed() (Service, error) {
	p := s
	if p.Platform.IsZero() {
		return Service{}, ErrPlatformUnknown
	}
	if p.Name == "" {
		p.Name = DefaultName
	}
	if p.Version == "" {
		v, err := p.Platform.DefaultVersion()
		if err != nil {
			return Service{}, err
		}
		p.Version = v
	}
	if p.PackageName == "" {
		p.PackageName = "mysql-server-" + p.Version
	}
	if p.RunUser == "" {
		p.RunUser = DefaultRunUser
	}
	if p.RunGroup == "" {
		p.RunGroup = DefaultRunGroup
	}
	if p.DataDir == "" {
		p.DataDir = path.Join("/var/lib", p.MysqlName())
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	return p, nil
}

// Validate checks a parsed descriptor.
func (s Service) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid service: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid service: %w", err)
	}
	if !s.Platform.Supported() {
		return fmt.Errorf("invalid service: unsupported platform %s (supported: %s)",
			s.Platform, strings.Join(SupportedPlatforms(), ", "))
	}
	if !s.Platform.SupportsVersion(s.Version) {
		return fmt.Errorf("invalid service: MySQL %s is not available on %s", s.Version, s.Platform)
	}
	return nil
}

// Resolve defaults and validates s in one step.
func Resolve(s Service) (Service, error) {
	p, err := s.Parsed()
	if err != nil {
		return Service{}, fmt.Errorf("invalid service: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Service{}, err
	}
	return p, nil
}
