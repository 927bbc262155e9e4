package main

import (
	"fmt"
	"log"
	"os"

	"github.com/SarvestaniLab/Ophys/internal/version"
)

// Main
func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "extract":
		runExtract(args)
	case "tune":
		runTune(args)
	case "serve":
		runServe(args)
	case "migrate":
		runMigrate(args)
	case "version":
		fmt.Printf("ophys %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: ophys <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  extract    Align a session's traces into trial epochs and save the extraction")
	fmt.Println("  tune       Fit tuning curves to the responsive cells of a saved extraction")
	fmt.Println("  serve      Serve a saved extraction over HTTP for reporting")
	fmt.Println("  migrate    Manage the extraction container schema")
	fmt.Println("  version    Print build information")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Run 'ophys <command> -h' for command options.")
}
