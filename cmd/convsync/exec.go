package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/convsync/pkg/client"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Submit commands from a YAML file",
	Long: `Submit one or more commands to a running convsync server.

The file holds one command per YAML document:

  entity_type: human_turn
  entity_id: ht-1
  operation: upsert
  latency_critical: true
  payload:
    id: ht-1
    session_id: sess-1
    user_id: user-1
    content: "hello"
  ---
  entity_type: step
  entity_id: step-7
  operation: delete

Examples:
  convsync exec -f turn.yaml
  convsync exec -f - < commands.yaml`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringP("file", "f", "", "YAML file with commands, or - for stdin (required)")
	_ = execCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(execCmd)
}

// commandDocument is the YAML form of a command. The payload is a YAML
// mapping converted to JSON before submission.
type commandDocument struct {
	types.Command `yaml:",inline"`
	Payload       map[string]interface{} `yaml:"payload"`
}

func (d *commandDocument) command() (*types.Command, error) {
	cmd := d.Command
	if d.Payload != nil {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload of %s: %w", cmd.EntityID, err)
		}
		cmd.Payload = payload
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// readCommands parses every YAML document in r
func readCommands(r io.Reader) ([]*types.Command, error) {
	dec := yaml.NewDecoder(r)
	var commands []*types.Command
	for i := 1; ; i++ {
		var doc commandDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: failed to parse YAML: %w", i, err)
		}
		cmd, err := doc.command()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		commands = append(commands, cmd)
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("no commands found")
	}
	return commands, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	serverAddr, _ := cmd.Flags().GetString("server")

	var in io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		defer f.Close()
		in = f
	}

	commands, err := readCommands(in)
	if err != nil {
		return err
	}

	c, err := client.NewClient(serverAddr)
	if err != nil {
		return err
	}

	for _, command := range commands {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		commit, err := c.Execute(ctx, command)
		cancel()
		if err != nil {
			return fmt.Errorf("%s %s %s: %w", command.Operation, command.EntityType, command.EntityID, err)
		}
		fmt.Printf("✓ %s %s %s committed at version %d (projection: %s)\n",
			commit.Operation, commit.EntityType, commit.EntityID, commit.Version, commit.Projection)
	}
	return nil
}
