package main

import (
	flags "github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "txnctl.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run a demo multi-document transaction against an etcd keyspace", `
Runs a small, fixed multi-document transaction scenario (two account documents,
each inserted if absent or replaced if present) against an etcd-backed store
and reports the terminal
outcome. Intended as a smoke test of the attempt/commit/rollback machinery
end to end, not a general-purpose transaction client.
`, &cmdRun{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
