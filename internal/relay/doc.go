// Package relay impersonates ADB devices to ADB clients.
//
// Ownership boundary:
// - per-device listeners and port allocation (Proxy, PortAllocator, Manager)
// - per-connection protocol state machine (Conn)
// - stream routing between client stream ids and upstream sessions (StreamTable)
//
// Each accepted client connection runs one read loop. Every open stream runs
// one upstream reader goroutine that calls back into its Conn; all frames to
// the client are serialized through the Conn's write lock.
package relay
