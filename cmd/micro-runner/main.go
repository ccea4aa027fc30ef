// Package main implements the micro-runner binary that froyo-mysql uploads
// to a managed host. It executes host primitives received as JSON over
// stdio and self-deletes on exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/handlers"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
)

const (
	version = "1.0.0"
	ttl     = 30 * time.Minute
)

var errUnsupported = errors.New("unsupported command type")

type runner struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	execPath     string
	commandCount int
	keep         bool
}

func main() {
	r := &runner{
		encoder: protocol.NewEncoder(os.Stdout),
		decoder: protocol.NewDecoder(os.Stdin),
		// The local transport runs the binary in place
		keep: os.Getenv("FROYO_RUNNER_KEEP") != "",
	}

	var err error
	r.execPath, err = os.Executable()
	if err != nil {
		r.sendErrorAndExit(protocol.ErrCodeInitFailed, fmt.Sprintf("failed to get executable path: %v", err), 1)
		return
	}

	if err := r.sendReady(); err != nil {
		r.sendErrorAndExit(protocol.ErrCodeReadyFailed, fmt.Sprintf("failed to send ready: %v", err), 1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	reason, exitCode := "completed", 0
	for {
		if ctx.Err() != nil {
			reason = "ttl_expired"
			break
		}
		if err := r.processNextCommand(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				reason = "stdin_closed"
			} else {
				reason, exitCode = "error", 1
			}
			break
		}
	}

	r.exit(reason, exitCode)
}

func (r *runner) sendReady() error {
	caps := make(map[string]bool)
	for _, ct := range protocol.CommandTypes() {
		caps[string(ct)] = true
	}

	return r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     caps,
		Metadata: map[string]string{
			"ttl": ttl.String(),
		},
	})
}

func (r *runner) processNextCommand(ctx context.Context) error {
	cmd, err := r.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	r.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 10)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for evt := range eventCh {
			_ = r.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, err := r.handleCommand(cmdCtx, cmd, eventCh)
	duration := time.Since(start).Seconds()
	close(eventCh)
	<-eventsDone

	if err != nil {
		code := protocol.ErrCodeExecFailed
		switch {
		case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
			code = protocol.ErrCodeTimeout
		case errors.Is(err, errUnsupported):
			code = protocol.ErrCodeUnsupported
		case errors.Is(err, handlers.ErrNotFound):
			code = protocol.ErrCodeNotFound
		}
		return r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Details:   map[string]string{"type": string(cmd.Type)},
			Retryable: code == protocol.ErrCodeTimeout,
		})
	}

	return r.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

// dispatch decodes params into P, runs fn and marshals its result.
func dispatch[P, R any](ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage,
	fn func(context.Context, *P, chan<- *protocol.EventMessage) (*R, error)) (json.RawMessage, error) {
	var params P
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	result, err := fn(ctx, &params, eventCh)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (r *runner) handleCommand(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		return dispatch(ctx, cmd, eventCh, (&handlers.ExecHandler{}).Handle)
	case protocol.CommandTypeFileWrite:
		return dispatch(ctx, cmd, eventCh, (&handlers.FileWriteHandler{}).Handle)
	case protocol.CommandTypeFileRead:
		return dispatch(ctx, cmd, eventCh, (&handlers.FileReadHandler{}).Handle)
	case protocol.CommandTypeFileDelete:
		return dispatch(ctx, cmd, eventCh, (&handlers.FileDeleteHandler{}).Handle)
	case protocol.CommandTypeDirEnsure:
		return dispatch(ctx, cmd, eventCh, (&handlers.DirEnsureHandler{}).Handle)
	case protocol.CommandTypePkgEnsure:
		return dispatch(ctx, cmd, eventCh, (&handlers.PkgEnsureHandler{}).Handle)
	case protocol.CommandTypeServiceEnsure:
		return dispatch(ctx, cmd, eventCh, (&handlers.ServiceEnsureHandler{}).Handle)
	case protocol.CommandTypeUserEnsure:
		return dispatch(ctx, cmd, eventCh, (&handlers.UserEnsureHandler{}).Handle)
	case protocol.CommandTypeGroupEnsure:
		return dispatch(ctx, cmd, eventCh, (&handlers.GroupEnsureHandler{}).Handle)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, cmd.Type)
	}
}

func (r *runner) exit(reason string, exitCode int) {
	exitMsg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commandCount,
	}

	if !r.keep {
		if err := os.Remove(r.execPath); err == nil {
			exitMsg.SelfDeleted = true
		}
	}

	_ = r.encoder.EncodeExit(exitMsg)
	os.Exit(exitCode)
}

func (r *runner) sendErrorAndExit(code, message string, exitCode int) {
	_ = r.encoder.EncodeError(&protocol.ErrorMessage{
		Code:    code,
		Message: message,
	})
	os.Exit(exitCode)
}
