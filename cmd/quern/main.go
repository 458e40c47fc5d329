package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "start", "Start the quern daemon", `
Start the quern daemon, scanning for a free server port from the default and
a free proxy port above it. Unless --foreground is given the daemon detaches
and logs to the rotated daemon log. Starting an already-running daemon is a
no-op that prints its status.
`, &cmdStart{})

	addCmd(parser, "stop", "Stop the quern daemon", `
Stop the quern daemon: soft terminate, wait up to five seconds, then kill.
System proxy settings configured by the daemon are restored either way.
`, &cmdStop{})

	addCmd(parser, "restart", "Restart the quern daemon", `
Stop the daemon if running, then start it with the given options.
`, &cmdRestart{})

	addCmd(parser, "status", "Report daemon status", `
Print the running daemon's state. Exits 0 when running, 2 when not.
`, &cmdStatus{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(err)
	}
	return cmd
}
