package main

import "github.com/fe-malveira-87/poc-juma-etl/pkg/cmd/jumactl/cmd"

func main() {
	cmd.Execute()
}
