package main

import "go-civitai-manager/cmd/civitai-manager/cmd"

func main() {
	cmd.Execute()
}
