package main

import "github.com/dnitsch/rds-auth-probe/cmd"

func main() {
	cmd.Execute()
}
