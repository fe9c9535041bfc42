package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-ra/transport"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <message type> <file>\n", os.Args[0])
		os.Exit(2)
	}
	if err := parseMessage(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseMessage(typeName, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	typ, err := transport.ParseMessageType(typeName)
	if err != nil {
		return err
	}
	parsed, err := transport.DecodePayload(typ, raw)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(parsed, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
