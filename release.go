//go:build !debug

package main

// IsDebug is false in ordinary release builds; see debug.go.
const IsDebug = false
