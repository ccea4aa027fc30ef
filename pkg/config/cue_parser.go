package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

// CUEParser parses descriptor files into resolved services.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new parser with the built-in schemas.
func NewCUEParser() *CUEParser {
	sr := NewSchemaRegistry()
	return &CUEParser{ctx: sr.Context(), schemaRegistry: sr}
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadServices parses sources and fails on any validation error.
func (cp *CUEParser) LoadServices(ctx context.Context, sources []string) ([]mysql.Service, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return parsed.Services, nil
}

// Parse parses descriptor files and directories. Problems in the
// descriptors are reported in the result's Errors; the returned error is
// reserved for sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedDescriptors, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value       cue.Value
		sourceFiles []string
		parseErrors []ValidationError
	)
	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			vals, files, errs, err := cp.loadDirectory(source)
			if err != nil {
				return nil, err
			}
			parseErrors = append(parseErrors, errs...)
			for _, val := range vals {
				unify(val)
			}
			sourceFiles = append(sourceFiles, files...)
			continue
		}

		val, errs := cp.loadFile(source)
		parseErrors = append(parseErrors, errs...)
		unify(val)
		sourceFiles = append(sourceFiles, source)
	}

	parsed := &ParsedDescriptors{SourceFiles: sourceFiles, ParsedAt: time.Now()}
	if len(parseErrors) > 0 {
		parsed.Errors = parseErrors
		return parsed, nil
	}
	if !value.Exists() {
		parsed.Errors = []ValidationError{{Message: "no descriptors found"}}
		return parsed, nil
	}

	cp.extract(value, parsed)
	return parsed, nil
}

// ParseInline parses CUE content that is not backed by a file.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedDescriptors, error) {
	parsed := &ParsedDescriptors{SourceFiles: []string{"inline"}, ParsedAt: time.Now()}

	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed, nil
	}

	cp.extract(val, parsed)
	return parsed, nil
}

// loadDirectory loads the .cue files of dir as one package and each YAML
// or JSON file on its own.
func (cp *CUEParser) loadDirectory(dir string) ([]cue.Value, []string, []ValidationError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var (
		vals   []cue.Value
		files  []string
		errs   []ValidationError
		hasCUE bool
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".cue":
			hasCUE = true
		case ".yaml", ".yml", ".json":
			path := filepath.Join(dir, entry.Name())
			val, verrs := cp.loadFile(path)
			vals = append(vals, val)
			errs = append(errs, verrs...)
			files = append(files, path)
		}
	}

	if hasCUE {
		val, cueFiles, verrs := cp.loadPackage(dir)
		vals = append(vals, val)
		errs = append(errs, verrs...)
		files = append(files, cueFiles...)
	}

	sort.Strings(files)
	return vals, files, errs, nil
}

// loadPackage loads the CUE package in dir.
func (cp *CUEParser) loadPackage(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.BuildFiles {
		files = append(files, f.Filename)
	}
	return val, files, nil
}

// loadFile loads a single CUE, YAML or JSON file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		val := cp.ctx.CompileString(string(content), cue.Filename(path))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil

	case ".yaml", ".yml", ".json":
		// JSON is read as YAML
		var data map[string]interface{}
		if err := yaml.Unmarshal(content, &data); err != nil {
			return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to parse: %v", err)}}
		}
		val := cp.ctx.Encode(data)
		if err := val.Err(); err != nil {
			return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to encode: %v", err)}}
		}
		return val, nil

	default:
		return cue.Value{}, []ValidationError{{File: path, Message: "unsupported descriptor format"}}
	}
}

// extract checks val against the descriptor schema and decodes each
// service entry, collecting every problem in parsed.Errors.
func (cp *CUEParser) extract(val cue.Value, parsed *ParsedDescriptors) {
	unified, err := cp.schemaRegistry.Unify(DescriptorsSchema, val)
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Message: err.Error()})
		return
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return
	}

	servicesVal := unified.LookupPath(cue.ParsePath("services"))
	if !servicesVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: "services", Message: "no services declared"})
		return
	}

	iter, err := servicesVal.Fields()
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: "services", Message: fmt.Sprintf("failed to iterate services: %v", err)})
		return
	}
	for iter.Next() {
		key := iter.Selector().Unquoted()
		path := "services." + iter.Selector().String()

		svc, err := decodeService(key, iter.Value())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{Path: path, Message: err.Error()})
			continue
		}
		parsed.Services = append(parsed.Services, svc)
	}
	if len(parsed.Services) == 0 && len(parsed.Errors) == 0 {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: "services", Message: "no services declared"})
	}
}

// decodeService decodes one entry. The map key names the instance unless
// the entry carries the same name itself. An entry without a platform is
// returned as declared and resolved once the target's platform is known.
func decodeService(key string, val cue.Value) (mysql.Service, error) {
	var svc mysql.Service
	if err := val.Decode(&svc); err != nil {
		return mysql.Service{}, fmt.Errorf("failed to decode service: %w", err)
	}
	if svc.Name == "" {
		svc.Name = key
	}
	if svc.Name != key {
		return mysql.Service{}, fmt.Errorf("name %q does not match its key %q", svc.Name, key)
	}
	if svc.Platform.IsZero() {
		return svc, nil
	}
	return mysql.Resolve(svc)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		// Point at the descriptor rather than the schema it broke
		if pos := errors.Positions(e); len(pos) > 0 {
			p := pos[0]
			for _, candidate := range pos {
				if !strings.HasPrefix(candidate.Filename(), schemaFilePrefix) {
					p = candidate
					break
				}
			}
			ve.File = p.Filename()
			ve.Line = p.Line()
			ve.Column = p.Column()
		}
		out = append(out, ve)
	}
	return out
}
