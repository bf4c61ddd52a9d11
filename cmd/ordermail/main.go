package main

import "ordermail/cmd/ordermail/cmd"

func main() {
	cmd.Execute()
}
