package main

import "media-grabber/cmd"

func main() {
	cmd.Execute()
}
