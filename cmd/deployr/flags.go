package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type SwapFlags struct {
	Package         string
	PIDs            []int
	ExtraAgents     int
	PayloadPath     string
	AgentArch       string
	RestartActivity bool
}

type OverlayFlags struct {
	Package           string
	OverlayID         string
	ExpectedOverlayID string
	Files             []string // device/path=local/path
	Deletes           []string
	Wipe              bool
	AgentArch         string
}

type OverlaySwapFlags struct {
	SwapFlags
	OverlayID         string
	ExpectedOverlayID string
	Files             []string
	Deletes           []string
	Wipe              bool
}

type InstallServerFlags struct {
	DataRoot      string
	AcceptTimeout time.Duration
	LogDir        string
	LogLevel      string
}
