// Package smartsocket owns the client side of the ADB server's host
// protocol ("smart sockets").
//
// Every logical stream gets its own TCP connection to the daemon. The
// connection is switched to a device with host:transport:<serial> and then
// handed the service request verbatim; after the final OKAY it carries raw
// stream bytes in both directions.
package smartsocket
