package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	Role       string // overrides the configured role when set
	Addr       string // overrides the configured node address when set
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("rfmesh-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Role, "role", "", "Override role: master or slave")
	fs.StringVar(&opts.Addr, "addr", "", "Override node address (aa:bb:cc:dd:ee:ff)")
	_ = fs.Parse(args)
	return opts
}
