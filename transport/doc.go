// Package transport moves request and response bytes between function
// instances.
//
// Two transports exist. The socket client talks to a sibling's rendezvous
// socket and re-resolves the route through the locator whenever a connect
// fails, backing off between attempts. The network fallback is a one-shot
// TCP push: it binds, accepts one connection, writes the payload and
// closes. Receive is the client side of that push, used by network
// bootstrap.
//
// No transport frames messages. The end of a message is the end of the
// stream: the socket client half-closes its write side after the request,
// and a push closes the connection after the payload.
package transport
