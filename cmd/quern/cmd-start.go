package main

import (
	"github.com/fatih/color"

	"github.com/quernlabs/quern/internal/daemon"
)

type cmdStart struct {
	Port       int    `long:"port" description:"Server port to scan from" default:"9100"`
	ProxyPort  int    `long:"proxy-port" description:"Proxy port to scan from (default: server port + 1)"`
	NoProxy    bool   `long:"no-proxy" description:"Do not start the interception proxy"`
	Foreground bool   `long:"foreground" description:"Run in the foreground instead of daemonizing"`
	Verbose    bool   `long:"verbose" short:"v" description:"Enable debug logging"`
	OnCrash    string `long:"on-crash" description:"Shell command receiving each crash report as JSON on stdin"`
	CrashSpool bool   `long:"crash-spool" description:"Persist crash reports to a local sqlite spool"`
}

func (cmd cmdStart) Execute(_ []string) error {
	var err = daemon.Start(daemon.Options{
		Port:       cmd.Port,
		ProxyPort:  cmd.ProxyPort,
		NoProxy:    cmd.NoProxy,
		Foreground: cmd.Foreground,
		Verbose:    cmd.Verbose,
		OnCrash:    cmd.OnCrash,
		CrashSpool: cmd.CrashSpool,
	})
	if err != nil {
		color.Red("start failed: %v", err)
	}
	return err
}
