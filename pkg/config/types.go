package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the descriptor path of the error, e.g. "services.default.port".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParsedDescriptors is the outcome of parsing descriptor sources.
type ParsedDescriptors struct {
	// Services are the resolved instances in declaration order.
	Services []mysql.Service `json:"services"`

	SourceFiles []string  `json:"source_files"`
	ParsedAt    time.Time `json:"parsed_at"`

	// Errors lists every problem found. Services is incomplete when set.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err joins Errors into one error, or returns nil.
func (p *ParsedDescriptors) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(p.Errors))
	for i, e := range p.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Service returns the instance called name.
func (p *ParsedDescriptors) Service(name string) (mysql.Service, bool) {
	for _, s := range p.Services {
		if s.Name == name {
			return s, true
		}
	}
	return mysql.Service{}, false
}

// Names lists the instance names in declaration order.
func (p *ParsedDescriptors) Names() []string {
	names := make([]string, len(p.Services))
	for i, s := range p.Services {
		names[i] = s.Name
	}
	return names
}
