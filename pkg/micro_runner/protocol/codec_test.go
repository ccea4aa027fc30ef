package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"dir.ensure": true},
			},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				CommandID: "cmd-1",
				Result:    json.RawMessage(`{"changed":true}`),
				Duration:  0.2,
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-1",
				Code:      "EXEC_FAILED",
				Message:   "apt-get exited with status 100",
			},
		},
		{
			name:    "encode exit message without data",
			msgType: MessageTypeExit,
			data:    nil,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("expected nothing written, got %q", buf.String())
				}
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") {
				t.Errorf("message is not newline terminated: %q", buf.String())
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","platform":"linux","arch":"amd64","pid":1,"capabilities":{"exec":true}}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode done message",
			input:   `{"type":"DONE","timestamp":"2024-01-01T00:00:00Z","data":{"command_id":"cmd-1","result":{"changed":false},"duration":0.1}}`,
			msgType: MessageTypeDone,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("")).Decode()
	if err != io.EOF {
		t.Fatalf("Decode() on empty stream = %v, want io.EOF", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cmdType CommandType
	}{
		{
			name:    "dir.ensure command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-1","type":"dir.ensure","timeout":30,"params":{"path":"/etc/mysql-default","state":"present"}}}`,
			cmdType: CommandTypeDirEnsure,
		},
		{
			name:    "service.ensure command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-2","type":"service.ensure","timeout":60,"params":{"name":"mysql-default","action":"start","provider":"init"}}}`,
			cmdType: CommandTypeServiceEnsure,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "unknown command type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-3","type":"sshd.harden","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-4","type":"exec","timeout":0,"params":{"command":"true"}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := NewDecoder(strings.NewReader(tt.input + "\n")).DecodeCommand()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cmd.Type != tt.cmdType {
				t.Errorf("Command type = %v, want %v", cmd.Type, tt.cmdType)
			}
		})
	}
}

func TestNewCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand("cmd-9", CommandTypeUserEnsure, 30, &UserEnsureParams{
		Name:   "mysql",
		Group:  "mysql",
		System: true,
		State:  StatePresent,
	})
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(MessageTypeCommand, cmd); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}

	var params UserEnsureParams
	if err := ParseParams(got.Params, &params); err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if params.Name != "mysql" || params.Group != "mysql" || !params.System {
		t.Errorf("params = %+v", params)
	}
}

func TestResultChanged(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		want    bool
		wantErr bool
	}{
		{"changed", `{"changed":true,"action":"installed"}`, true, false},
		{"unchanged", `{"changed":false}`, false, false},
		{"field absent", `{"content":"x"}`, false, false},
		{"empty", ``, false, false},
		{"malformed", `{`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResultChanged(json.RawMessage(tt.result))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResultChanged() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResultChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
