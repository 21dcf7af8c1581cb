// pumpctl -- command-line client for pairing and driving pumpcore pumps.
package main

import "github.com/kestrel-health/pumpcore/cmd/pumpctl/commands"

func main() {
	commands.Execute()
}
