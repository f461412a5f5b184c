package main

import "github.com/imgveil/imgveil-go-client/cmd"

func main() {
	cmd.Execute()
}
