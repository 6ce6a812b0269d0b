package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Codec serializes the mappings that go inside an envelope.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error

	// DecodeValue decodes only the "value" field of an encoded mapping into v, it leaves v alone when the value
	// is missing or null.
	DecodeValue(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) DecodeValue(data []byte, v any) error {
	var env struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Value) == 0 {
		return nil
	}
	return json.Unmarshal(env.Value, v)
}

// BSONCodec is the compact binary alternative, both peers have to agree on it.
type BSONCodec struct{}

func (BSONCodec) Name() string {
	return "bson"
}

func (BSONCodec) Encode(v any) ([]byte, error) {
	return bson.Marshal(v)
}

func (BSONCodec) Decode(data []byte, v any) error {
	return bson.Unmarshal(data, v)
}

func (BSONCodec) DecodeValue(data []byte, v any) error {
	rv, err := bson.Raw(data).LookupErr("value")
	if errors.Is(err, bsoncore.ErrElementNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if rv.Type == bson.TypeNull {
		return nil
	}
	return rv.Unmarshal(v)
}

var (
	JSON Codec = JSONCodec{}
	BSON Codec = BSONCodec{}
)

// CodecByName returns the codec with that name, an empty name is JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case BSON.Name():
		return BSON, nil
	default:
		return nil, fmt.Errorf("unknown rpc codec %q", name)
	}
}
