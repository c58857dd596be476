// Package tun provides the virtual network interface the server reads
// IPv4 datagrams from and writes them to (spec.md §6 "Tun device").
package tun

// Device is a tun interface: reads/writes bare IPv4 datagrams, no
// platform packet-information header. Open configures the kernel device
// with IFF_NO_PI for exactly this reason, so every Read and Write here
// carries nothing but the IP packet itself.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Name() string
}

// Config describes how to create and configure the tun interface.
type Config struct {
	Name    string
	MyIP    string
	Netmask string
	MTU     int
}
