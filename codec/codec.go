// Package codec provides the pluggable payload codecs used on the wire.
//
// The envelope itself is always msgpack framed (see package protocol); a codec
// only decides how call arguments, results and callback payloads are encoded
// inside the envelope.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/agentuity/go-bridge/fault"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec serializes payload values
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// Msgpack is the default codec
	Msgpack Codec = msgpackCodec{}
	// JSON is useful when debugging workers by hand
	JSON Codec = jsonCodec{}
	// Struct encodes maps as a protobuf google.protobuf.Struct
	Struct Codec = structCodec{}
)

// Default is the codec used when none is configured
var Default = Msgpack

// Lookup resolves a codec by name, empty means Default
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "":
		return Default, nil
	case "msgpack":
		return Msgpack, nil
	case "json":
		return JSON, nil
	case "struct", "protobuf", "proto":
		return Struct, nil
	}
	return nil, fault.New(fault.CodeCodecFailure, "unknown codec %q", name)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "msgpack encode")
	}
	return buf, nil
}

// Unmarshal decodes maps as map[string]any and widens numbers (see Normalize)
func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if p, ok := v.(*any); ok {
		var out any
		if err := msgpack.Unmarshal(data, &out); err != nil {
			return fault.Wrap(err, fault.CodeCodecFailure, "msgpack decode")
		}
		*p = Normalize(out)
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fault.Wrap(err, fault.CodeCodecFailure, "msgpack decode")
	}
	normalizeTarget(v)
	return nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "json encode")
	}
	return buf, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(err, fault.CodeCodecFailure, "json decode")
	}
	switch p := v.(type) {
	case *any:
		*p = fromJSONNumbers(*p)
	case *map[string]any:
		for k, val := range *p {
			(*p)[k] = fromJSONNumbers(val)
		}
	}
	return nil
}

// fromJSONNumbers turns json.Number into int64 when integral, else float64
func fromJSONNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = fromJSONNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = fromJSONNumbers(item)
		}
		return val
	}
	return v
}

type structCodec struct{}

func (structCodec) Name() string { return "struct" }

// Marshal accepts a map (or nil) and encodes it as a protobuf Value, so
// scalars and lists round-trip as well as maps
func (structCodec) Marshal(v any) ([]byte, error) {
	pv, err := structpb.NewValue(normalizeForStruct(v))
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "struct encode")
	}
	buf, err := proto.Marshal(pv)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "struct encode")
	}
	return buf, nil
}

func (structCodec) Unmarshal(data []byte, v any) error {
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return fault.Wrap(err, fault.CodeCodecFailure, "struct decode")
	}
	out := fromStructValue(pv.AsInterface())
	switch p := v.(type) {
	case *any:
		*p = out
	case *map[string]any:
		m, ok := out.(map[string]any)
		if !ok && out != nil {
			return fault.New(fault.CodeCodecFailure, "struct decode: payload is not a map")
		}
		*p = m
	default:
		return fault.New(fault.CodeCodecFailure, "struct decode: unsupported target %T", v)
	}
	return nil
}

// normalizeForStruct widens the types structpb.NewValue does not know about
func normalizeForStruct(v any) any {
	switch val := v.(type) {
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case uint8:
		return uint64(val)
	case uint16:
		return uint64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForStruct(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForStruct(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	}
	return v
}

// fromStructValue restores integers, protobuf Struct only carries doubles
func fromStructValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) && val < 1<<53 && val > -(1<<53) {
			return int64(val)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = fromStructValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = fromStructValue(item)
		}
		return val
	}
	return v
}

func normalizeTarget(v any) {
	switch p := v.(type) {
	case *any:
		*p = Normalize(*p)
	case *map[string]any:
		for k, val := range *p {
			(*p)[k] = Normalize(val)
		}
	case *[]any:
		for i, val := range *p {
			(*p)[i] = Normalize(val)
		}
	}
}

// Normalize widens decoded values to one representation per kind: every
// integer becomes int64 (uint64 only when it does not fit), float32 becomes
// float64 and nested maps/lists are walked. Codecs decode to different widths,
// callers see the same shapes whatever codec a worker speaks.
func Normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return widenUint(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return widenUint(val)
	case float32:
		return float64(val)
	case map[string]any:
		for k, item := range val {
			val[k] = Normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = Normalize(item)
		}
		return val
	}
	return v
}

func widenUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}
