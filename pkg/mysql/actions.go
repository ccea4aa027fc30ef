package mysql

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// Action is a lifecycle action of a MySQL instance.
type Action string

const (
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

// Actions lists the lifecycle actions in their conventional order.
func Actions() []Action {
	return []Action{ActionCreate, ActionDelete, ActionStart, ActionStop, ActionRestart, ActionReload}
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions() {
		if string(a) == strings.ToLower(s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Plan expands action for the instance s into its ordered declarations.
// s is resolved first, so callers may pass a partially filled descriptor.
func Plan(s Service, action Action) (*resources.Plan, error) {
	svc, err := Resolve(s)
	if err != nil {
		return nil, err
	}

	var decls []resources.Declaration
	switch action {
	case ActionCreate:
		decls, err = svc.create()
	case ActionDelete:
		decls, err = svc.delete()
	case ActionStart:
		decls, err = svc.start()
	case ActionStop, ActionRestart, ActionReload:
		decls = []resources.Declaration{svc.instanceService(action, action)}
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return nil, err
	}

	plan := &resources.Plan{
		Resource:     svc.MysqlName(),
		Action:       string(action),
		Declarations: decls,
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s plan: %w", action, err)
	}
	return plan, nil
}

// label builds "<name> :<action> <subject>".
func (s Service) label(action Action, subject string) string {
	return fmt.Sprintf("%s :%s %s", s.Name, action, subject)
}

// create installs the server, retires the stock instance, lays out the
// instance's accounts and directories, writes my.cnf and initializes the
// data directory once.
func (s Service) create() ([]resources.Declaration, error) {
	decls := []resources.Declaration{
		{
			Name:        s.label(ActionCreate, s.PackageName),
			Kind:        resources.KindPackage,
			Actions:     []resources.Action{resources.ActionInstall},
			PackageName: s.PackageName,
		},
		{
			Name:            s.label(ActionCreate, DistroService),
			Kind:            resources.KindService,
			Actions:         []resources.Action{resources.ActionStop, resources.ActionDisable},
			ServiceName:     DistroService,
			ServiceProvider: resources.ProviderInit,
			Supports:        &resources.Supports{Restart: true, Status: true},
		},
	}

	for _, f := range DistroConfigFiles {
		decls = append(decls, resources.Declaration{
			Name:    s.label(ActionCreate, f),
			Kind:    resources.KindFile,
			Actions: []resources.Action{resources.ActionDelete},
			Path:    f,
		})
	}

	decls = append(decls,
		resources.Declaration{
			Name:      s.label(ActionCreate, s.RunGroup),
			Kind:      resources.KindGroup,
			Actions:   []resources.Action{resources.ActionCreate},
			GroupName: s.RunGroup,
			System:    true,
		},
		resources.Declaration{
			Name:     s.label(ActionCreate, s.RunUser),
			Kind:     resources.KindUser,
			Actions:  []resources.Action{resources.ActionCreate},
			Username: s.RunUser,
			GID:      s.RunGroup,
			System:   true,
		},
		s.directory(ActionCreate, s.ConfDir(), "0750"),
		s.directory(ActionCreate, s.IncludeDir(), "0750"),
		s.directory(ActionCreate, s.RunDir(), "0755"),
		s.directory(ActionCreate, s.DataDir, "0750"),
		s.directory(ActionCreate, s.LogDir(), "0750"),
	)

	vars := s.MyCnfVariables()
	content, err := Render(s.MyCnfSource(), vars)
	if err != nil {
		return nil, err
	}
	decls = append(decls,
		resources.Declaration{
			Name:      s.label(ActionCreate, s.ConfigFile()),
			Kind:      resources.KindTemplate,
			Actions:   []resources.Action{resources.ActionCreate},
			Path:      s.ConfigFile(),
			Source:    s.MyCnfSource(),
			Variables: vars,
			Content:   content,
			Owner:     s.RunUser,
			Group:     s.RunGroup,
			Mode:      "0600",
		},
		resources.Declaration{
			Name:    s.label(ActionCreate, "initialize mysql database"),
			Kind:    resources.KindExecute,
			Actions: []resources.Action{resources.ActionRun},
			Command: s.InstallDBCommand(),
			User:    s.RunUser,
			Cwd:     s.DataDir,
			Guard:   &resources.Guard{NotIf: s.InitializedGuard()},
		},
	)

	return decls, nil
}

// delete stops the instance through its init script and removes its
// configuration, runtime and log directories. The data directory is kept.
func (s Service) delete() ([]resources.Declaration, error) {
	script, err := s.initScript(ActionDelete)
	if err != nil {
		return nil, err
	}
	return []resources.Declaration{
		script,
		s.instanceService(ActionDelete, ActionStop),
		s.removeDirectory(s.ConfDir()),
		s.removeDirectory(s.RunDir()),
		s.removeDirectory(s.LogDir()),
	}, nil
}

// start installs the init script and starts the instance.
func (s Service) start() ([]resources.Declaration, error) {
	script, err := s.initScript(ActionStart)
	if err != nil {
		return nil, err
	}
	return []resources.Declaration{
		script,
		s.instanceService(ActionStart, ActionStart),
	}, nil
}

func (s Service) directory(action Action, dir, mode string) resources.Declaration {
	return resources.Declaration{
		Name:      s.label(action, dir),
		Kind:      resources.KindDirectory,
		Actions:   []resources.Action{resources.ActionCreate},
		Path:      dir,
		Owner:     s.RunUser,
		Group:     s.RunGroup,
		Mode:      mode,
		Recursive: true,
	}
}

func (s Service) removeDirectory(dir string) resources.Declaration {
	return resources.Declaration{
		Name:      s.label(ActionDelete, dir),
		Kind:      resources.KindDirectory,
		Actions:   []resources.Action{resources.ActionDelete},
		Path:      dir,
		Recursive: true,
	}
}

func (s Service) initScript(action Action) (resources.Declaration, error) {
	vars := s.InitScriptVariables()
	content, err := Render(s.InitScriptSource(), vars)
	if err != nil {
		return resources.Declaration{}, err
	}
	return resources.Declaration{
		Name:      s.label(action, s.InitScript()),
		Kind:      resources.KindTemplate,
		Actions:   []resources.Action{resources.ActionCreate},
		Path:      s.InitScript(),
		Source:    s.InitScriptSource(),
		Variables: vars,
		Content:   content,
		Owner:     "root",
		Group:     "root",
		Mode:      "0755",
	}, nil
}

// instanceService declares the instance's own init service with action,
// labelled with the lifecycle phase it belongs to.
func (s Service) instanceService(phase, action Action) resources.Declaration {
	var supports *resources.Supports
	switch action {
	case ActionRestart:
		supports = &resources.Supports{Restart: true}
	case ActionReload:
	default:
		supports = &resources.Supports{Restart: true, Status: true}
	}
	return resources.Declaration{
		Name:            s.label(phase, s.MysqlName()),
		Kind:            resources.KindService,
		Actions:         []resources.Action{resources.Action(action)},
		ServiceName:     s.MysqlName(),
		ServiceProvider: resources.ProviderInit,
		Supports:        supports,
	}
}

// InstallDBCommand populates the system tables of DataDir. The result is
// a shell command line; every argument is quoted.
func (s Service) InstallDBCommand() string {
	return shellescape.QuoteCommand([]string{
		InstallDBBin,
		"--basedir=" + BaseDir,
		"--defaults-file=" + s.ConfigFile(),
		"--datadir=" + s.DataDir,
		"--user=" + s.RunUser,
	})
}

// InitializedGuard succeeds once the data directory has been initialized.
func (s Service) InitializedGuard() string {
	return shellescape.QuoteCommand([]string{TestBin, "-f", s.InitializedMarker()})
}
