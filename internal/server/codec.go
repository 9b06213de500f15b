package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/host"
)

// Messages on the Session stream are google.protobuf.Struct values shaped
// like the host protocol:
//
//	{"type": "CONNECT", "value": "PI_XBTUSD"}
//	{"type": "UPDATE", "value": {...}, "subscription": "PI_XBTUSD", "timestamp": 1700000000000}
//
// Events additionally carry the subscription and a millisecond timestamp.

func encodeCommand(cmd host.Command) (*structpb.Struct, error) {
	fields := map[string]any{"type": string(cmd.Type)}
	if cmd.Value != "" {
		fields["value"] = cmd.Value
	}
	return structpb.NewStruct(fields)
}

func decodeCommand(s *structpb.Struct) (host.Command, error) {
	fields := s.GetFields()

	var cmd host.Command
	if v, ok := fields["type"]; ok {
		t, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return host.Command{}, fmt.Errorf("command type must be a string")
		}
		cmd.Type = host.CommandType(t.StringValue)
	}
	if v, ok := fields["value"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			cmd.Value = k.StringValue
		case *structpb.Value_NullValue:
		default:
			return host.Command{}, fmt.Errorf("command value must be a string")
		}
	}
	return cmd, nil
}

func encodeEvent(fe adapter.FeedEvent) (*structpb.Struct, error) {
	raw, err := json.Marshal(fe.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", fe.Event.Type, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", fe.Event.Type, err)
	}
	if fe.Subscription != "" {
		fields["subscription"] = fe.Subscription
	}
	if !fe.Timestamp.IsZero() {
		fields["timestamp"] = fe.Timestamp.UnixMilli()
	}
	return structpb.NewStruct(fields)
}

func decodeEvent(s *structpb.Struct) (adapter.FeedEvent, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return adapter.FeedEvent{}, err
	}

	var ev host.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return adapter.FeedEvent{}, err
	}
	var meta struct {
		Subscription string  `json:"subscription"`
		Timestamp    float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return adapter.FeedEvent{}, err
	}

	fe := adapter.FeedEvent{Event: ev, Subscription: meta.Subscription}
	if meta.Timestamp > 0 {
		fe.Timestamp = time.UnixMilli(int64(meta.Timestamp))
	}
	return fe, nil
}
