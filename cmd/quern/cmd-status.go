package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/quernlabs/quern/internal/daemon"
)

type cmdStatus struct{}

func (cmd cmdStatus) Execute(_ []string) error {
	var code = daemon.Status()
	if code == 0 {
		color.Green("quern is running")
	}
	os.Exit(code)
	return nil
}
