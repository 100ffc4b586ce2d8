// Package main is the entry point for metergate.
package main

func main() {
	Execute()
}
