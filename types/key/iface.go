package key

import (
	"encoding"

	"go.mongodb.org/mongo-driver/bson"
)

type key interface {
	IsZero() bool
}

type canTextMarshal interface {
	// We need text encoding for JSON and advertisement values

	encoding.TextMarshaler
	encoding.TextUnmarshaler
}

type canBsonMarshal interface {
	bson.ValueMarshaler
	bson.ValueUnmarshaler
}

type publicKey interface {
	key

	Debug() string
	HexString() string
}
