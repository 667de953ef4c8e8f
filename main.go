/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/ridged/authd/cmd"

func main() {
	cmd.Execute()
}
