package main

import "github.com/arcward/bedrockbot/cmd"

func main() {
	cmd.Execute()
}
