// Package protocol defines the stream data model shared by the client, the
// persistence store and the node: events, the payload sum type, miniblocks,
// snapshots, commit pointers and cookies.
//
// Content-addressed identity is computed over RFC 8785 canonical JSON with a
// domain-separated SHA-256. Every JSON tag uses snake_case and no type carries
// a float, so canonical encoding never has to round.
//
// protocol imports streamid and signer only.
package protocol
