// shm is the escrow settlement and dispute arbitration engine.
package main

import "github.com/shm-network/shm/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
