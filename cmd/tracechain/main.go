// Package main provides the entry point for tracechain: the three chain services and the tools
// that drive and inspect them.
package main

func main() {
	Execute()
}
