// Package main is the entry point for comparellm.
package main

func main() {
	Execute()
}
