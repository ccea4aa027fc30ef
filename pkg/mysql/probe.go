package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	driver "github.com/go-sql-driver/mysql"
)

// ProbeConfig says how to reach a running instance.
type ProbeConfig struct {
	// User and Password authenticate the probe. An anonymous or
	// socket-authenticated root login is tried when User is empty.
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Host switches the probe from the instance socket to TCP on the
	// instance port.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// State is what a probe observed.
type State struct {
	Instance  string `json:"instance"`
	Address   string `json:"address"`
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
	Uptime    int64  `json:"uptime_seconds,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DriverConfig builds the driver configuration for reaching s.
func (s Service) DriverConfig(pc ProbeConfig) *driver.Config {
	cfg := driver.NewConfig()
	cfg.User = pc.User
	if cfg.User == "" {
		cfg.User = "root"
	}
	cfg.Passwd = pc.Password
	if pc.Host != "" {
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", pc.Host, s.Port)
	} else {
		cfg.Net = "unix"
		cfg.Addr = s.SocketFile()
	}
	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	return cfg
}

// Probe connects to the instance and reads its version and uptime. A server
// that cannot be reached is reported in State, not as an error; errors are
// reserved for a probe that could not be attempted.
func (s Service) Probe(ctx context.Context, pc ProbeConfig) (*State, error) {
	svc, err := Resolve(s)
	if err != nil {
		return nil, err
	}

	cfg := svc.DriverConfig(pc)
	state := &State{Instance: svc.MysqlName(), Address: cfg.Net + ":" + cfg.Addr}

	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure mysql driver: %w", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		state.Error = err.Error()
		return state, nil
	}
	state.Reachable = true

	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&state.Version); err != nil {
		return nil, fmt.Errorf("failed to query server version: %w", err)
	}

	var name, value string
	err = db.QueryRowContext(ctx, "SHOW GLOBAL STATUS LIKE 'Uptime'").Scan(&name, &value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query uptime: %w", err)
	default:
		state.setUptime(value)
	}

	return state, nil
}

// setUptime records the Uptime status variable. A value that is not a
// number is kept in Error; the server is still reachable.
func (st *State) setUptime(value string) {
	uptime, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		st.Error = fmt.Sprintf("unexpected uptime %q: %v", value, err)
		return
	}
	st.Uptime = uptime
}
