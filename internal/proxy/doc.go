package proxy

// Package proxy implements the chaining forward-proxy engine.
//
// It accepts HTTP and HTTPS (CONNECT) clients, runs a per-request policy
// hook to pick the upstream proxy hop, forwards plain requests through an
// HTTP or SOCKS upstream, establishes CONNECT tunnels by either raw CONNECT
// passthrough or a SOCKS handshake, and relays tunnel bytes until either
// side closes.
