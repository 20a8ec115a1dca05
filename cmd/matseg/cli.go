package main

import "github.com/alecthomas/kong"

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Config   string           `short:"c" default:"config.json" help:"Config file (.json, .yaml, .yml or .toml)"`
	Addr     string           `help:"Override the HTTP listen address"`
	Verbose  bool             `short:"v" help:"Enable debug logging"`
	NoBanner bool             `help:"Skip the startup banner"`
	Version  kong.VersionFlag `help:"Show version information"`
}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
