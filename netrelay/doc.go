// Package netrelay provides a QUIC-backed delivery channel for the
// transfer engine: StreamConsumer is a worker.Consumer that forwards each
// drained buffer, framed with its sequence number and length, onto a
// DeliveryStream dialed against one remote address. There is no handshake
// or peer identity — a coordinator addresses a remote consumer by plain
// addr string, the same way it addresses local consumers by position in
// its consumer list.
package netrelay
