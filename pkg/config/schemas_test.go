package config

import (
	"context"
	"testing"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != DescriptorsSchema || names[1] != mysql.ResourceType {
		t.Fatalf("schemas = %v", names)
	}
	for _, name := range names {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s not found", name)
		}
		if schema.Err() != nil {
			t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
		}
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.RegisterSchema("custom", "#Custom: {field1: string, field2: int}", "#Custom"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"field1": "a", "field2": 1}); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"field1": "a"}); err == nil {
		t.Error("incomplete data accepted")
	}

	if err := sr.RegisterSchema("broken", "#Broken: {", "#Broken"); err == nil {
		t.Error("broken schema registered")
	}
	if err := sr.RegisterSchema("nodef", "#A: int", "#B"); err == nil {
		t.Error("schema without the definition registered")
	}
	if err := sr.ValidateAgainstSchema(ctx, "missing", nil); err == nil {
		t.Error("validated against a missing schema")
	}
}

func TestSchemaRegistry_ValidateService(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	svc, err := mysql.Resolve(mysql.Service{Platform: mysql.Platform{Name: mysql.PlatformDebian, Version: "7"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*mysql.Service)
		wantErr bool
	}{
		{name: "resolved", mutate: func(*mysql.Service) {}},
		{name: "relative data dir", mutate: func(s *mysql.Service) { s.DataDir = "var/lib/mysql" }, wantErr: true},
		{name: "data dir with spaces", mutate: func(s *mysql.Service) { s.DataDir = "/srv/my data" }},
		{name: "shell in data dir", mutate: func(s *mysql.Service) { s.DataDir = "/srv/x;touch /tmp/x" }, wantErr: true},
		{name: "unknown version", mutate: func(s *mysql.Service) { s.Version = "8.0" }, wantErr: true},
		{name: "bad run user", mutate: func(s *mysql.Service) { s.RunUser = "Root User" }, wantErr: true},
		{name: "unknown platform", mutate: func(s *mysql.Service) { s.Platform.Name = "centos" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := svc
			tt.mutate(&s)
			err := sr.ValidateService(ctx, s)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateService() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
