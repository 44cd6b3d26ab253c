package main

import "github.com/WeimengLiu/autoSync/cmd"

func main() {
	cmd.Execute()
}
