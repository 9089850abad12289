// Command loadtest drives an alumni chat relay with simulated participants.
//
//   - saturate:  open N idle connections and hold them
//   - broadcast: connect N participants, let some of them chat, and measure
//     the send-to-receipt latency at every recipient
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "broadcast":
		runBroadcast(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  broadcast   Shared-room chat test, measures fan-out latency")
	fmt.Println()
	fmt.Println("Both commands need -users: ids of active users known to the relay.")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

func splitUsers(raw string) []string {
	var out []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
