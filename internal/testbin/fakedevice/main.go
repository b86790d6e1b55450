// Command fakedevice stands in for a firmware image in end-to-end tests.
// It writes console output the way the device tests expect and, in shell
// mode, answers commands.
//
// Modes (first argument):
//   - shell: prompt, then help, echo and closure commands
//   - async: "A: Done" and "B: Done", reversed with -reverse
//   - boot: auto-init, LED, pktbuf, mutex, random and netif output
//   - silent: prints nothing and waits
//   - crash: prints a boot line and exits with status 3
//
// Every mode except crash waits for stdin to close before exiting.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	mode := "shell"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	reverse := len(os.Args) > 2 && os.Args[2] == "-reverse"

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	switch mode {
	case "shell":
		shell(os.Stdin, out)
		return
	case "async":
		first, second := "A: Done", "B: Done"
		if reverse {
			first, second = second, first
		}
		fmt.Fprintf(out, "main(): This is RIOT!\n%s\n%s\n", first, second)
	case "boot":
		boot(out)
	case "silent":
	case "crash":
		fmt.Fprintln(out, "main(): This is RIOT!")
		out.Flush()
		os.Exit(3)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(64)
	}

	out.Flush()
	_, _ = io.Copy(io.Discard, os.Stdin)
}

func boot(out *bufio.Writer) {
	lines := []string{
		"auto_init: auto_early (1)",
		"Early auto initialization",
		"auto_init: auto_late (65535)",
		"Late auto initialization",
		"main(): This is RIOT!",
		"Main running",
		"LED_RED_TOGGLE",
		"LED_GREEN_TOGGLE",
		"Tests completed.",
		"SUCCESS",
		"random: Done",
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(out, "Netif at 0x%04x\n  fe80::%d\nCache entries\n", 0x2000+i*0x40, i+1)
	}
}

func shell(in io.Reader, out *bufio.Writer) {
	prompt := func() {
		fmt.Fprint(out, "> ")
		out.Flush()
	}

	fmt.Fprintln(out, "main(): This is RIOT!")
	prompt()

	state := 0
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(strings.TrimRight(scanner.Text(), "\r"))
		if len(fields) == 0 {
			prompt()
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Fprintln(out, "Command              Description")
			fmt.Fprintln(out, "---------------------------------------")
			fmt.Fprintln(out, "echo                 Print the arguments in separate lines")
			fmt.Fprintln(out, "closure              Run a command that holds a mutable reference")
		case "echo":
			for _, field := range fields {
				fmt.Fprintf(out, "- %s\n", field)
			}
		case "closure":
			state++
			fmt.Fprintf(out, "New state is %d\n", state)
		default:
			fmt.Fprintf(out, "shell: command not found: %s\n", fields[0])
		}
		prompt()
	}
}
