package main

import "github.com/dayuer/pierbridge/cmd"

func main() {
	cmd.Execute()
}
