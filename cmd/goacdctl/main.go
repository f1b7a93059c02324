// goacdctl is the command line client for the goacd daemon.
package main

import "github.com/dantte-lp/goacd/cmd/goacdctl/commands"

func main() {
	commands.Execute()
}
