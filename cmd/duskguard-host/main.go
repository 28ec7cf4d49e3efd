// Command duskguard-host is an interactive REPL for talking to a
// duskguard controller over its serial line protocol.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/amken3d/duskguard/host/client"
	"github.com/amken3d/duskguard/host/serial"
)

func main() {
	device := flag.String("device", "/dev/ttyACM0", "serial device path")
	baud := flag.Int("baud", 115200, "baud rate")
	verbose := flag.Bool("verbose", false, "echo each entered command line")
	flag.Parse()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud

	port, err := serial.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duskguard-host: open %s: %v\n", *device, err)
		os.Exit(1)
	}
	defer port.Close()

	c := client.New(port)
	fmt.Printf("connected to %s at %d baud. type 'help' for commands.\n", *device, *baud)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if *verbose {
			fmt.Printf("<< %s\n", line)
		}
		if !dispatch(c, line) {
			break
		}
	}
}

func dispatch(c *client.Client, line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "quit", "exit":
		return false

	case "help":
		printHelp()

	case "status":
		printResult(c.GetStatus())

	case "config":
		printResult(c.GetConfig())

	case "sensors":
		printResult(c.GetSensors())

	case "version":
		printResult(c.GetVersion())

	case "reboot":
		printResult(c.Reboot())

	case "factory_reset":
		printResult(c.FactoryReset())

	case "dry":
		printResult(c.DrySensor())

	case "set":
		if len(fields) != 3 {
			fmt.Println("usage: set <output> <value>")
			return true
		}
		printResult(c.Set(fields[1], parseValue(fields[2])))

	default:
		fmt.Printf("unknown command: %s (try 'help')\n", cmd)
	}
	return true
}

func parseValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func printResult(v interface{}, err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	out, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(out))
}

func printHelp() {
	fmt.Println(`commands:
  status                 fetch power/output status
  config                 fetch full configuration
  sensors                fetch current sensor readings
  version                fetch firmware version
  set <output> <value>   set an output, e.g. "set d1 true" or "set adj 12.5"
  dry                    trigger the ambient sensor's drying cycle
  reboot                 restart the controller
  factory_reset          restore factory-default configuration
  quit / exit            leave this shell`)
}
