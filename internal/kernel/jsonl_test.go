package kernel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
)

func TestJSONLStreamReadsMessages(t *testing.T) {
	data := []byte("\n" +
		`{"kind":"execution_started","payload":{"id":"c1","execution_count":2}}` + "\n" +
		`{"kind":"output_appended","payload":{"id":"c1","output":{"output_type":"stream","name":"stdout","text":"hi\n"}}}` + "\n" +
		`{"kind":"variables_changed","payload":{}}` + "\n")
	stream := newJSONLStream(bytes.NewReader(data))
	ctx := context.Background()

	msg, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	started, ok := msg.(schema.ExecutionStarted)
	if !ok || started.ID != "c1" || started.ExecutionCount != 2 {
		t.Fatalf("unexpected first message: %#v", msg)
	}

	msg, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next(2): %v", err)
	}
	output, ok := msg.(schema.OutputAppended)
	if !ok || output.Output.Text != "hi\n" {
		t.Fatalf("unexpected second message: %#v", msg)
	}

	msg, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next(3): %v", err)
	}
	if _, ok := msg.(schema.Unknown); !ok {
		t.Fatalf("expected unknown message, got %#v", msg)
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestJSONLStreamReportsBadLine(t *testing.T) {
	stream := newJSONLStream(bytes.NewReader([]byte("not json\n")))
	_, err := stream.Next(context.Background())
	var decodeErr *jsonlDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if string(decodeErr.Line()) != "not json" {
		t.Fatalf("unexpected line %q", decodeErr.Line())
	}
}

func TestEncodeRequestFlattensExecute(t *testing.T) {
	line, err := encodeRequest(bridgeRequest{Op: opExecute, ExecuteRequest: core.ExecuteRequest{CellID: "c1", Code: "x", File: "/a.ipynb", Line: 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"op":"execute","id":"c1","code":"x","file":"/a.ipynb","line":3}` + "\n"
	if string(line) != want {
		t.Fatalf("unexpected line:\nwant: %s\ngot:  %s", want, line)
	}
}
