// Package protocol defines the JSON-over-stdio communication protocol
// spoken between froyo-mysql and the micro-runner on a managed host.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeExec executes a shell command
	CommandTypeExec CommandType = "exec"
	// CommandTypeFileWrite writes content to a file
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads content from a file
	CommandTypeFileRead CommandType = "file.read"
	// CommandTypeFileDelete removes a file
	CommandTypeFileDelete CommandType = "file.delete"
	// CommandTypeDirEnsure creates or removes a directory
	CommandTypeDirEnsure CommandType = "dir.ensure"
	// CommandTypePkgEnsure ensures a package is installed or removed
	CommandTypePkgEnsure CommandType = "pkg.ensure"
	// CommandTypeServiceEnsure drives a service through its init system
	CommandTypeServiceEnsure CommandType = "service.ensure"
	// CommandTypeUserEnsure creates or removes a system user
	CommandTypeUserEnsure CommandType = "user.ensure"
	// CommandTypeGroupEnsure creates or removes a system group
	CommandTypeGroupEnsure CommandType = "group.ensure"
)

// Desired states shared by the ensure-style commands.
const (
	StatePresent = "present"
	StateAbsent  = "absent"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID             string            `json:"id"`
	Type           CommandType       `json:"type"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Timeout        int               `json:"timeout"` // seconds
	Params         json.RawMessage   `json:"params"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// Error codes carried by ErrorMessage.
const (
	ErrCodeInitFailed  = "INIT_FAILED"
	ErrCodeReadyFailed = "READY_FAILED"
	ErrCodeExecFailed  = "EXEC_FAILED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnsupported = "UNSUPPORTED"
)

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// Changed is the common prefix of every mutating command result. The
// controller decodes it without knowing the concrete result type.
type Changed struct {
	Changed bool `json:"changed"`
}

// Command parameter structures for each command type

// ExecParams contains parameters for shell command execution.
type ExecParams struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty"`
	User       string            `json:"user,omitempty"` // run as this user via runuser
	Env        map[string]string `json:"env,omitempty"`
	Shell      string            `json:"shell,omitempty"` // defaults to /bin/sh
	CaptureOut bool              `json:"capture_out"`
	CaptureErr bool              `json:"capture_err"`
	// FailOnNonZero turns a non-zero exit status into a command error.
	// Guard probes leave it unset and inspect ExitCode instead.
	FailOnNonZero bool `json:"fail_on_non_zero"`
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	Changed  bool              `json:"changed"`
	ExitCode int               `json:"exit_code"`
	Stdout   string            `json:"stdout,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	Duration float64           `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileWriteParams contains parameters for writing a file.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`  // e.g., "0644"
	Owner   string `json:"owner,omitempty"` // e.g., "root"
	Group   string `json:"group,omitempty"` // e.g., "root"
	Backup  bool   `json:"backup,omitempty"`
	Create  bool   `json:"create"`
}

// FileWriteResult contains the result of file write operation.
type FileWriteResult struct {
	Changed      bool   `json:"changed"`
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	BackupPath   string `json:"backup_path,omitempty"`
	Checksum     string `json:"checksum"` // SHA256
}

// FileReadParams contains parameters for reading a file.
type FileReadParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// FileReadResult contains the result of file read operation.
type FileReadResult struct {
	Exists    bool   `json:"exists"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Owner     string `json:"owner"`
	Group     string `json:"group"`
	Checksum  string `json:"checksum"` // SHA256
	Truncated bool   `json:"truncated"`
}

// FileDeleteParams contains parameters for removing a file.
type FileDeleteParams struct {
	Path string `json:"path"`
}

// FileDeleteResult contains the result of a file removal.
type FileDeleteResult struct {
	Changed bool `json:"changed"`
}

// DirEnsureParams contains parameters for directory management.
type DirEnsureParams struct {
	Path      string `json:"path"`
	State     string `json:"state"` // present, absent
	Mode      string `json:"mode,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Group     string `json:"group,omitempty"`
	Recursive bool   `json:"recursive"`
}

// DirEnsureResult contains the result of a directory operation.
type DirEnsureResult struct {
	Changed bool   `json:"changed"`
	Action  string `json:"action"` // created, updated, removed, unchanged
}

// PkgEnsureParams contains parameters for package management.
type PkgEnsureParams struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"` // empty = any
	State   string   `json:"state"`             // present, absent
	Options []string `json:"options,omitempty"`
}

// PkgEnsureResult contains the result of package operation.
type PkgEnsureResult struct {
	Changed          bool   `json:"changed"`
	PreviousVersion  string `json:"previous_version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Action           string `json:"action"` // installed, removed, already_present, already_absent
}

// ServiceEnsureParams contains parameters for service management.
type ServiceEnsureParams struct {
	Name     string `json:"name"`
	Action   string `json:"action"`   // start, stop, restart, reload, enable, disable
	Provider string `json:"provider"` // init, systemd
}

// ServiceEnsureResult contains the result of service operation.
type ServiceEnsureResult struct {
	Changed bool   `json:"changed"`
	Action  string `json:"action"`
	Running bool   `json:"running"`
}

// UserEnsureParams contains parameters for system user management.
type UserEnsureParams struct {
	Name   string `json:"name"`
	Group  string `json:"group,omitempty"` // primary group
	Home   string `json:"home,omitempty"`
	Shell  string `json:"shell,omitempty"`
	System bool   `json:"system"`
	State  string `json:"state"`
}

// UserEnsureResult contains the result of a user operation.
type UserEnsureResult struct {
	Changed bool   `json:"changed"`
	UID     string `json:"uid,omitempty"`
}

// GroupEnsureParams contains parameters for system group management.
type GroupEnsureParams struct {
	Name   string `json:"name"`
	System bool   `json:"system"`
	State  string `json:"state"`
}

// GroupEnsureResult contains the result of a group operation.
type GroupEnsureResult struct {
	Changed bool   `json:"changed"`
	GID     string `json:"gid,omitempty"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExec, CommandTypeFileWrite, CommandTypeFileRead,
		CommandTypeFileDelete, CommandTypeDirEnsure, CommandTypePkgEnsure,
		CommandTypeServiceEnsure, CommandTypeUserEnsure, CommandTypeGroupEnsure:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// CommandTypes lists every command the runner understands, in the order
// it advertises them in READY.
func CommandTypes() []CommandType {
	return []CommandType{
		CommandTypeExec, CommandTypeFileWrite, CommandTypeFileRead,
		CommandTypeFileDelete, CommandTypeDirEnsure, CommandTypePkgEnsure,
		CommandTypeServiceEnsure, CommandTypeUserEnsure, CommandTypeGroupEnsure,
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Error renders the runner-reported failure.
func (e *ErrorMessage) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("%s: %s (command %s)", e.Code, e.Message, e.CommandID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
