package key

// SERVER

var (
	_ publicKey = ServerKey{}

	// We need this to send keys over the wire via JSON
	_ canTextMarshal = &ServerKey{}

	// ...and via the BSON rpc codec
	_ canBsonMarshal = &ServerKey{}
)

// CLIENT

var (
	_ publicKey = ClientKey{}

	_ canTextMarshal = &ClientKey{}

	_ canBsonMarshal = &ClientKey{}
)
