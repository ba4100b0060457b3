package main

const (
	MsgScanStarted   = "Scan started. Follow progress on /scans/events or poll /scans/current."
	MsgScanBusy      = "A scan is already running. Cancel it or wait for it to finish before starting another."
	MsgNoActiveScan  = "There is no scan running right now."
	MsgNoResult      = "No finished scan is available yet. Start a scan and wait for it to complete."
	MsgUnreadablePic = "We couldn't read that photo. Please retake it or pick a different one from the gallery."
)
