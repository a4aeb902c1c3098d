package main

import "github.com/jeebsjenkins/openclaw/cmd"

func main() {
	cmd.Execute()
}
