// overlayctl -- CLI client for the overlayd daemon.
package main

import "github.com/l2sm/overlayd/cmd/overlayctl/commands"

func main() {
	commands.Execute()
}
