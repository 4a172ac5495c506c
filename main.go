package main

import "github.com/lockplane/sqlstep/cmd"

func main() {
	cmd.Execute()
}
