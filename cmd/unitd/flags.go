package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// QueryFlags select the daemon and filter its answers.
type QueryFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
	User       string
	CAFile     string
	Insecure   bool
	Type       string
	Active     string
	JSON       bool
}

type TokenFlags struct {
	Subject string
}

type InspectFlags struct {
	Home   string
	Tables []string
	Values bool
}

type HistoryFlags struct {
	DSN   string
	Limit int
	JSON  bool
}
