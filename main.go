package main

import "github.com/jmehdipour/entitlements/cmd"

func main() { cmd.Execute() }
