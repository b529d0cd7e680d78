// Command proxylb runs the HTTP/HTTPS forward proxy.
package main

import (
	"os"

	"github.com/EvgeniiDev/proxy-load-balancer/cmd/proxylb"
)

func main() {
	os.Exit(proxylb.Main())
}
