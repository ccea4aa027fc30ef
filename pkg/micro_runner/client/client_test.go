package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

// pipeTransport wires the client to an in-process fake runner.
type pipeTransport struct {
	serve    func(dec *protocol.Decoder, enc *protocol.Encoder)
	uploaded string
	cleaned  string
}

func (p *pipeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	p.uploaded = remotePath
	return nil
}

func (p *pipeTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		p.serve(protocol.NewDecoder(cmdR), protocol.NewEncoder(outW))
	}()
	return cmdW, outR, nil
}

func (p *pipeTransport) Cleanup(ctx context.Context, remotePath string) error {
	p.cleaned = remotePath
	return nil
}

func ready(enc *protocol.Encoder) {
	caps := map[string]bool{}
	for _, ct := range protocol.CommandTypes() {
		caps[string(ct)] = true
	}
	_ = enc.EncodeReady(&protocol.ReadyMessage{Version: "test", Caps: caps})
}

func newStartedClient(t *testing.T, tr *pipeTransport, onEvent EventHandler) *Client {
	t.Helper()
	c, err := NewClient(Config{Transport: tr, RunnerPath: "/bin/true", StartupTimeout: time.Second, OnEvent: onEvent})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{RunnerPath: "/bin/true"}); err == nil {
		t.Error("expected error without transport")
	}
	if _, err := NewClient(Config{Transport: &pipeTransport{}}); err == nil {
		t.Error("expected error without runner path")
	}
}

func TestExecuteDone(t *testing.T) {
	tr := &pipeTransport{serve: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		ready(enc)
		for {
			cmd, err := dec.DecodeCommand()
			if err != nil {
				return
			}
			_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Message: "working"})
			_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: json.RawMessage(`{"changed":true}`)})
		}
	}}

	var events []string
	c := newStartedClient(t, tr, func(evt *protocol.EventMessage) { events = append(events, evt.Message) })

	cmd, err := protocol.NewCommand("cmd-1", protocol.CommandTypeGroupEnsure, 10, &protocol.GroupEnsureParams{Name: "mysql", State: protocol.StatePresent})
	if err != nil {
		t.Fatal(err)
	}
	done, err := c.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	changed, err := protocol.ResultChanged(done.Result)
	if err != nil || !changed {
		t.Errorf("ResultChanged() = %v, %v", changed, err)
	}
	if len(events) != 1 || events[0] != "working" {
		t.Errorf("events = %v", events)
	}
	if c.Ready().Version != "test" {
		t.Errorf("Ready().Version = %q", c.Ready().Version)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if tr.cleaned != "/tmp/froyo-micro-runner" {
		t.Errorf("cleanup path = %q", tr.cleaned)
	}
	if _, err := c.Execute(context.Background(), cmd); err == nil {
		t.Error("Execute() after Close() should fail")
	}
}

func TestExecuteRunnerError(t *testing.T) {
	tr := &pipeTransport{serve: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		ready(enc)
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		_ = enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "EXEC_FAILED", Message: "E: Unable to locate package"})
	}}
	c := newStartedClient(t, tr, nil)
	defer c.Close(context.Background())

	cmd, _ := protocol.NewCommand("cmd-2", protocol.CommandTypePkgEnsure, 10, &protocol.PkgEnsureParams{Name: "mysql-server-9.9", State: protocol.StatePresent})
	_, err := c.Execute(context.Background(), cmd)

	var runnerErr *protocol.ErrorMessage
	if !errors.As(err, &runnerErr) {
		t.Fatalf("Execute() error = %v, want *protocol.ErrorMessage", err)
	}
	if runnerErr.Message != "E: Unable to locate package" {
		t.Errorf("runner error message = %q", runnerErr.Message)
	}
}

func TestExecuteMismatchedID(t *testing.T) {
	tr := &pipeTransport{serve: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		ready(enc)
		if _, err := dec.DecodeCommand(); err != nil {
			return
		}
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: "someone-else"})
	}}
	c := newStartedClient(t, tr, nil)
	defer c.Close(context.Background())

	cmd, _ := protocol.NewCommand("cmd-3", protocol.CommandTypeExec, 10, &protocol.ExecParams{Command: "true"})
	if _, err := c.Execute(context.Background(), cmd); err == nil {
		t.Fatal("expected command ID mismatch error")
	}
}

func TestStartWithoutReady(t *testing.T) {
	tr := &pipeTransport{serve: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "error", ExitCode: 1})
	}}
	c, err := NewClient(Config{Transport: tr, RunnerPath: "/bin/true", StartupTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the runner does not send READY")
	}
}
