package main

import "github.com/qingminglong/frontend-develop-tools/cmd"

func main() {
	cmd.Execute()
}
