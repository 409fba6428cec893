package main

import "time"

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Store      string
	HTTPAddr   string
	Debug      bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type BoardFlags struct {
	Table string
	JSON  bool
	// Remote daemon connection
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
}
