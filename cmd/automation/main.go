package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = runAutomation()
	case "check":
		err = runCheck()
	case "run-now":
		err = runNow(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'kanban-automation --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`kanban-automation - trigger engine for AI instruction cards

USAGE:
    kanban-automation COMMAND [ARGS] [--config PATH]

COMMANDS:
    run                  Watch the board and run automatic instructions until interrupted
    check                Run one scheduled-trigger pass (with catch-up) and threshold check, then exit
    run-now ID           Run one instruction immediately, ignoring its triggers
    history ID [--limit N]
                         Print the most recent runs of an instruction ("all" for every instruction)
    encrypt VALUE        Encrypt a secret for the config file (needs KANBANAI_CONFIG_KEY)

CONFIGURATION:
    Config file: ./config.yaml, or --config PATH, or $KANBANAI_CONFIG
    Environment: KANBANAI_* variables override config`)
}

// configPath returns --config, then $KANBANAI_CONFIG, then config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("KANBANAI_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// positional drops --flag and --flag value pairs from args.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" || args[i] == "--limit":
			i++
		case strings.HasPrefix(args[i], "--"):
		default:
			out = append(out, args[i])
		}
	}
	return out
}
