package kernelgrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
)

func toPBExecute(req core.ExecuteRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":    string(req.CellID),
		"code":  req.Code,
		"file":  req.File,
		"line":  float64(req.Line),
		"debug": req.Debug,
	})
}

func fromPBExecute(in *structpb.Struct) core.ExecuteRequest {
	fields := in.GetFields()
	return core.ExecuteRequest{
		CellID: schema.CellID(fields["id"].GetStringValue()),
		Code:   fields["code"].GetStringValue(),
		File:   fields["file"].GetStringValue(),
		Line:   int(fields["line"].GetNumberValue()),
		Debug:  fields["debug"].GetBoolValue(),
	}
}

// toPBMessage encodes a message as {"kind": ..., "payload": {...}}.
func toPBMessage(msg schema.Message) (*structpb.Struct, error) {
	env, err := schema.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"kind": string(env.Kind)}
	if len(env.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Kind, err)
		}
		fields["payload"] = payload
	}
	return structpb.NewStruct(fields)
}

func fromPBMessage(in *structpb.Struct) (schema.Message, error) {
	fields := in.GetFields()
	env := schema.Envelope{Kind: schema.MessageKind(fields["kind"].GetStringValue())}
	if payload, ok := fields["payload"]; ok {
		data, err := json.Marshal(payload.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		env.Payload = data
	}
	return schema.DecodeMessage(env)
}
