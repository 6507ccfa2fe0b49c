package main

import "time"

// GlobalFlags are persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
	// APIURL, when set, sends install and deploy to a running dispatcher.
	APIURL string
}

type ServeFlags struct {
	Addr     string
	BasePath string
	Metrics  bool
	// NonBlocking returns right after the listener is up; used by tests.
	NonBlocking bool
}

type DeployFlags struct {
	Target string
}

type EnsureFlags struct {
	Name string
}

type MigrationFlags struct {
	Env string
}

type DBFlags struct {
	Prod bool
	Yes  bool
}

type ClusterFlags struct {
	Wait        bool
	Interval    time.Duration
	MaxAttempts int
}

type ConfigInitFlags struct {
	ProjectName string
	Destination string
	Force       bool
}
