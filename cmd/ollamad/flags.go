package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Token      string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	NoStart   bool // overrides supervisor.autostart
}

type StatusFlags struct {
	JSON     bool
	Watch    bool          // follow status changes until interrupted
	Interval time.Duration // stats refresh while watching
}

type LogFlags struct {
	Since  uint64
	Limit  int
	Follow bool
}

type InputFlags struct {
	Text string
}
