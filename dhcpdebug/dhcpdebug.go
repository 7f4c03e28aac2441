// dhcpdebug fires a DHCPDISCOVER from the clock's point of view and prints
// the answers, to check what a given network would offer the appliance.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

var server, iface string
var port uint

func main() {
	fmt.Println("dhcpdebug v0.0.0")

	flag.StringVar(&server, "server", "255.255.255.255", "The destination server.")
	flag.StringVar(&iface, "iface", "eth0", "The interface to use.")
	flag.UintVar(&port, "port", 67, "The destination port.")
	flag.Parse()

	log.Printf("Connecting to '%s' on port '%d' via '%s'...\n", server, port, iface)

	pkg, err := dhcpv4.NewDiscoveryForInterface(iface)
	if err != nil {
		log.Fatalln("Can't build DHCPDISCOVER pkg", err)
	}

	if server == "broadcast" || server == "255.255.255.255" {
		exchange(pkg)
	} else {
		unicast(pkg)
	}
}

// exchange runs the full broadcast conversation and prints every message.
func exchange(pkg *dhcpv4.DHCPv4) {
	client := dhcpv4.NewClient()
	conversation, err := client.Exchange(iface, pkg)
	for _, message := range conversation {
		log.Print(message.Summary())
	}
	if err != nil {
		log.Fatalln(err)
	}
}

// unicast sends the DISCOVER straight at one server, for probing a relay or
// a server on another segment.
func unicast(pkg *dhcpv4.DHCPv4) {
	udpDstAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", server, port))
	if err != nil {
		log.Fatalln("Can't resolve server.", err)
	}

	pkg.SetUnicast()
	pkg.SetServerIPAddr(udpDstAddr.IP)

	udpSrcAddr, err := net.ResolveUDPAddr("udp4", ":68")
	if err != nil {
		log.Fatalln(err)
	}

	conn, err := net.ListenUDP("udp4", udpSrcAddr)
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("Sending DHCPDISCOVER: %v", pkg)
	written, err := conn.WriteToUDP(pkg.ToBytes(), udpDstAddr)
	if err != nil {
		log.Fatalln(err)
	}
	log.Printf("%d bytes sent.", written)
}
