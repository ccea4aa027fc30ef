package mysql

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"text/template"

	"github.com/alessio/shellescape"
)

//go:embed templates
var templateFS embed.FS

const (
	templateRoot = "templates"
	templateExt  = ".tmpl"
	sysvinitBase = "templates/sysvinit.tmpl"
)

var templateFuncs = template.FuncMap{
	// shquote quotes a value for a shell assignment or argument.
	"shquote": func(v interface{}) string { return shellescape.Quote(fmt.Sprint(v)) },
}

// Render executes the template named by source (e.g. "5.5/my.cnf") with
// vars. Every variable the template references must be present.
func Render(source string, vars map[string]interface{}) (string, error) {
	file := path.Join(templateRoot, source) + templateExt
	if _, err := fs.Stat(templateFS, file); err != nil {
		return "", fmt.Errorf("template %s not found: %w", source, err)
	}

	patterns := []string{file}
	if path.Base(path.Dir(path.Dir(source))) == "sysvinit" {
		// Init scripts share one body and override its platform hooks
		patterns = append([]string{sysvinitBase}, patterns...)
	}

	tmpl, err := template.New(path.Base(file)).Funcs(templateFuncs).Option("missingkey=error").ParseFS(templateFS, patterns...)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", source, err)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, path.Base(file), vars); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", source, err)
	}
	return buf.String(), nil
}

// TemplateSources lists every embedded template source name.
func TemplateSources() ([]string, error) {
	var sources []string
	err := fs.WalkDir(templateFS, templateRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || p == sysvinitBase || path.Ext(p) != templateExt {
			return nil
		}
		rel := p[len(templateRoot)+1 : len(p)-len(templateExt)]
		sources = append(sources, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return sources, nil
}

// MyCnfVariables are the values my.cnf is rendered with.
func (s Service) MyCnfVariables() map[string]interface{} {
	return map[string]interface{}{
		"run_user":    s.RunUser,
		"data_dir":    s.DataDir,
		"pid_file":    s.PidFile(),
		"socket_file": s.SocketFile(),
		"port":        s.Port,
		"include_dir": s.IncludeDir(),
	}
}

// InitScriptVariables are the values the init script is rendered with.
func (s Service) InitScriptVariables() map[string]interface{} {
	return map[string]interface{}{
		"mysql_name":      s.MysqlName(),
		"mysqld_safe_bin": MysqldSafeBin,
		"data_dir":        s.DataDir,
		"pid_file":        s.PidFile(),
		"port":            s.Port,
		"socket_file":     s.SocketFile(),
		"run_user":        s.RunUser,
		"base_dir":        BaseDir,
	}
}
