package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

type LogsFlags struct {
	Lines  int
	Follow bool
}

type SeedFlags struct {
	File    string
	Replace bool
}

type TokenFlags struct {
	User  string
	Admin bool
}

type ServeFlags struct {
	Listen string
}
