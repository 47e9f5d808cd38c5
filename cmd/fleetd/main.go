// Command fleetd is the Core/Agent binary: fleetd core serves the
// periphery and terminal websocket endpoints an Agent dials into, and
// fleetd agent dials out to a Core and exposes its Docker/host terminals.
// fleetd ssh is an interactive client that opens one such terminal from a
// local console.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "core":
		err = runCore(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "ssh":
		err = runSSH(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fleetd:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fleetd <core|agent|ssh> [flags]")
	fmt.Fprintln(os.Stderr, "  fleetd core               run the Core server")
	fmt.Fprintln(os.Stderr, "  fleetd agent              run the Agent client")
	fmt.Fprintln(os.Stderr, "  fleetd ssh <server> ...   open an interactive terminal")
}
