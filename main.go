package main

import "github.com/ValentinKolb/memdb/cmd"

func main() {
	cmd.Execute()
}
