package upstream

// Package upstream describes and dials the next proxy hop.
//
// A Descriptor is the resolved form of an upstream proxy URL plus optional
// credentials. Descriptors are built by Resolve (or by a policy hook wanting
// to chain through a different proxy) and consumed by the engine, which picks
// the HTTP CONNECT dialect or a SOCKS handshake based on Kind.
