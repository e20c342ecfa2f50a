package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

const validEvent = `{"version":"savings.deposit.v1","attemptId":"0x0101010101010101010101010101010101010101010101010101010101010101","account":"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1","pool":"0x1111111111111111111111111111111111111111","token":"0x2222222222222222222222222222222222222222","amount":"1000","operationId":1,"state":"confirmed","approved":false}`

func TestLoadPayloads_Inline(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads(validEvent, nil, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payload count: got=%d want=1", len(payloads))
	}
	if string(payloads[0]) != validEvent {
		t.Fatalf("payload mismatch: %q", string(payloads[0]))
	}
}

func TestLoadPayloads_File(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	payloadPath := filepath.Join(tmpDir, "payload.json")
	if err := os.WriteFile(payloadPath, []byte(validEvent), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	payloads, err := loadPayloads("", []string{payloadPath}, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payload count: got=%d want=1", len(payloads))
	}
}

func TestLoadPayloads_StdinFallback(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads("", nil, bytes.NewBufferString(validEvent))
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payload count: got=%d want=1", len(payloads))
	}
}

func TestLoadPayloads_EmptyInput(t *testing.T) {
	t.Parallel()

	_, err := loadPayloads("", nil, bytes.NewBufferString(" \n\t"))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMain_StdioPublishesLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(
		[]string{
			"--queue-driver", "stdio",
			"--payload", validEvent,
		},
		bytes.NewBuffer(nil),
		&out,
	)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := out.String(); got != validEvent+"\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}

func TestRunMain_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(
		[]string{
			"--queue-driver", "stdio",
			"--payload", `{"version":"wrong.v1"}`,
		},
		bytes.NewBuffer(nil),
		&out,
	)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be published on validation failure, got %q", out.String())
	}
}

func TestRunMain_NoValidateSkipsSchemaCheck(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(
		[]string{
			"--queue-driver", "stdio",
			"--no-validate",
			"--payload", `{"version":"wrong.v1"}`,
		},
		bytes.NewBuffer(nil),
		&out,
	)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := out.String(); got != "{\"version\":\"wrong.v1\"}\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}
