//go:build debug

package main

// IsDebug is true in builds produced with `wails build -tags debug`
// (or `wails dev`), enabling the stderr log tee in backend.App.Startup.
const IsDebug = true
