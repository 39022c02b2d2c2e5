package main

import "github.com/oshokin/lambda-deployer/cmd/lambda-deployer/cmd"

func main() {
	cmd.Execute()
}
