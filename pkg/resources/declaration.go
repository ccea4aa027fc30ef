// Package resources models the ordered desired-state declarations a
// lifecycle action emits, and compiles them into micro-runner commands.
package resources

import (
	"fmt"
)

// Kind identifies the host primitive a declaration asserts.
type Kind string

const (
	KindPackage   Kind = "package"
	KindService   Kind = "service"
	KindFile      Kind = "file"
	KindTemplate  Kind = "template"
	KindDirectory Kind = "directory"
	KindGroup     Kind = "group"
	KindUser      Kind = "user"
	KindExecute   Kind = "execute"
)

// Action is a verb applied to a declaration.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionRun     Action = "run"
)

// allowedActions lists the verbs each kind accepts.
var allowedActions = map[Kind][]Action{
	KindPackage:   {ActionInstall, ActionRemove},
	KindService:   {ActionStart, ActionStop, ActionRestart, ActionReload, ActionEnable, ActionDisable},
	KindFile:      {ActionCreate, ActionDelete},
	KindTemplate:  {ActionCreate},
	KindDirectory: {ActionCreate, ActionDelete},
	KindGroup:     {ActionCreate, ActionRemove},
	KindUser:      {ActionCreate, ActionRemove},
	KindExecute:   {ActionRun},
}

// Service providers.
const (
	ProviderInit    = "init"
	ProviderSystemd = "systemd"
)

// Supports advertises optional service capabilities.
type Supports struct {
	Restart bool `json:"restart,omitempty"`
	Reload  bool `json:"reload,omitempty"`
	Status  bool `json:"status,omitempty"`
}

// Declaration is one desired-state assertion. Only the fields relevant to
// its Kind are set.
type Declaration struct {
	// Name is the unique, human-readable label, e.g. "mysql-default :create /etc/my.cnf".
	Name string `json:"name"`
	// Kind selects the primitive.
	Kind Kind `json:"kind"`
	// Actions are applied in order.
	Actions []Action `json:"actions"`

	// Path is the target of file, template and directory declarations.
	Path      string `json:"path,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Group     string `json:"group,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`

	// PackageName is the package to install or remove.
	PackageName string `json:"package_name,omitempty"`

	// ServiceName and ServiceProvider select the service.
	ServiceName     string    `json:"service_name,omitempty"`
	ServiceProvider string    `json:"service_provider,omitempty"`
	Supports        *Supports `json:"supports,omitempty"`

	// GroupName names the group for group declarations.
	GroupName string `json:"group_name,omitempty"`
	// Username and GID describe a user declaration.
	Username string `json:"username,omitempty"`
	GID      string `json:"gid,omitempty"`
	// System marks groups and users as system accounts.
	System bool `json:"system,omitempty"`

	// Source is the template the content was rendered from.
	Source string `json:"source,omitempty"`
	// Variables are the values the template was rendered with.
	Variables map[string]interface{} `json:"variables,omitempty"`
	// Content is the rendered template body.
	Content string `json:"content,omitempty"`

	// Command is the shell script of an execute declaration, run as User in Cwd.
	Command string `json:"command,omitempty"`
	User    string `json:"user,omitempty"`
	Cwd     string `json:"cwd,omitempty"`

	// Guard, when set, decides whether the declaration is applied at all.
	Guard *Guard `json:"guard,omitempty"`
}

// Validate checks the declaration carries the fields its kind requires.
func (d *Declaration) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("declaration name is required")
	}
	allowed, ok := allowedActions[d.Kind]
	if !ok {
		return fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("%s: at least one action is required", d.Name)
	}
	for _, a := range d.Actions {
		if !containsAction(allowed, a) {
			return fmt.Errorf("%s: action %q not valid for %s", d.Name, a, d.Kind)
		}
	}

	switch d.Kind {
	case KindPackage:
		if d.PackageName == "" {
			return fmt.Errorf("%s: package name is required", d.Name)
		}
	case KindService:
		if d.ServiceName == "" {
			return fmt.Errorf("%s: service name is required", d.Name)
		}
	case KindFile, KindDirectory:
		if d.Path == "" {
			return fmt.Errorf("%s: path is required", d.Name)
		}
	case KindTemplate:
		if d.Path == "" || d.Source == "" {
			return fmt.Errorf("%s: path and source are required", d.Name)
		}
	case KindGroup:
		if d.GroupName == "" {
			return fmt.Errorf("%s: group name is required", d.Name)
		}
	case KindUser:
		if d.Username == "" {
			return fmt.Errorf("%s: username is required", d.Name)
		}
	case KindExecute:
		if d.Command == "" {
			return fmt.Errorf("%s: command is required", d.Name)
		}
	}

	if d.Guard != nil {
		if err := d.Guard.Validate(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return nil
}

// Subject returns the thing the declaration manages, for logs and journals.
func (d *Declaration) Subject() string {
	switch d.Kind {
	case KindPackage:
		return d.PackageName
	case KindService:
		return d.ServiceName
	case KindGroup:
		return d.GroupName
	case KindUser:
		return d.Username
	case KindExecute:
		return d.Command
	default:
		return d.Path
	}
}

// Key identifies the declaration within a plan as kind[name].
func (d *Declaration) Key() string {
	return fmt.Sprintf("%s[%s]", d.Kind, d.Name)
}

func containsAction(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// Plan is the ordered output of one lifecycle action.
type Plan struct {
	// Resource is the managed instance, e.g. "mysql-default".
	Resource string `json:"resource"`
	// Action is the lifecycle action that produced the plan.
	Action string `json:"action"`
	// Declarations are applied strictly in order.
	Declarations []Declaration `json:"declarations"`
}

// Validate validates every declaration and rejects a name declared twice
// for the same kind.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Declarations))
	for i := range p.Declarations {
		d := &p.Declarations[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("declaration %d: %w", i, err)
		}
		key := d.Key()
		if seen[key] {
			return fmt.Errorf("declaration %d: duplicate %s", i, key)
		}
		seen[key] = true
	}
	return nil
}
