package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/transport"
)

type inspectCmd struct {
	Type string `help:"Message type of the file, e.g. ra_msg2 or dh_msg3. Use 'transcript' for a transcript file." default:"transcript"`
	File string `arg:"" type:"existingfile" help:"File holding the raw message."`
}

func (c *inspectCmd) Run(env *environment) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	if c.Type == "transcript" {
		transcript, err := transport.UnmarshalTranscript(raw)
		if err != nil {
			return err
		}
		for i, entry := range transcript.Entries {
			fmt.Fprintf(env.out, "#%d %s %s %s (%d bytes)\n", i, entry.Time.Format("15:04:05.000"), entry.Direction, entry.Type, len(entry.Payload))
			decoded, err := transport.DecodePayload(entry.Type, entry.Payload)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			if err := printJSON(env, decoded); err != nil {
				return err
			}
		}
		return nil
	}

	typ, err := transport.ParseMessageType(c.Type)
	if err != nil {
		return err
	}
	decoded, err := transport.DecodePayload(typ, raw)
	if err != nil {
		return err
	}
	return printJSON(env, decoded)
}

func printJSON(env *environment, v any) error {
	prettyPrint, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return err
	}
	fmt.Fprintln(env.out, string(prettyPrint))
	return nil
}

func decodeHex(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, status.Errorf(status.ErrInvalidParameter, "decoding --%s: %s", name, err)
	}
	return b, nil
}
