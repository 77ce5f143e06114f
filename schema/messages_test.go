package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeMessageKnownKinds(t *testing.T) {
	env := Envelope{Kind: KindExecutionStarted, Payload: json.RawMessage(`{"id":"c1","execution_count":3}`)}
	msg, err := DecodeMessage(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	started, ok := msg.(ExecutionStarted)
	if !ok {
		t.Fatalf("expected ExecutionStarted, got %T", msg)
	}
	if started.ID != "c1" || started.ExecutionCount != 3 {
		t.Fatalf("unexpected payload: %+v", started)
	}
}

func TestDecodeMessageEmptyPayload(t *testing.T) {
	msg, err := DecodeMessage(Envelope{Kind: KindNotebookDirty})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(NotebookDirty); !ok {
		t.Fatalf("expected NotebookDirty, got %T", msg)
	}
}

func TestDecodeMessageUnknownKindIsNotFatal(t *testing.T) {
	env := Envelope{Kind: "variables_refreshed", Payload: json.RawMessage(`{"count":2}`)}
	msg, err := DecodeMessage(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	unknown, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", msg)
	}
	if unknown.Kind() != "variables_refreshed" || string(unknown.Payload) != `{"count":2}` {
		t.Fatalf("unexpected unknown payload: %+v", unknown)
	}
}

func TestDecodeMessageRejectsMissingKind(t *testing.T) {
	if _, err := DecodeMessage(Envelope{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestDecodeMessageBadPayload(t *testing.T) {
	if _, err := DecodeMessage(Envelope{Kind: KindDeleteCell, Payload: json.RawMessage(`{"id":`)}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEncodeMessageKeepsUnknownPayload(t *testing.T) {
	env, err := EncodeMessage(Unknown{Type: "custom", Payload: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Kind != "custom" || string(env.Payload) != `{"a":1}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestCellCloneIsDeep(t *testing.T) {
	count := 2
	cell := Cell{
		ID:    "c1",
		State: CellStateFinished,
		Data: CellData{
			CellType:       CellTypeCode,
			Source:         "x",
			ExecutionCount: &count,
			Outputs: []Output{{
				OutputType: OutputDisplayData,
				Data:       map[string]any{"text/plain": []any{"a"}},
			}},
		},
	}
	clone := cell.Clone()
	*clone.Data.ExecutionCount = 9
	clone.Data.Outputs[0].Data["text/plain"].([]any)[0] = "b"
	if *cell.Data.ExecutionCount != 2 {
		t.Fatalf("execution count aliased")
	}
	if cell.Data.Outputs[0].Data["text/plain"].([]any)[0] != "a" {
		t.Fatalf("output data aliased")
	}
}
