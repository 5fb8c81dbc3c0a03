package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

// enqueueSpec is the JSON shape accepted by the enqueue command.
type enqueueSpec struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job>",
	Short: "Add a job to the queue",
	Long: `Enqueue adds a job in the PENDING state. The argument is either a JSON
object with "command" and an optional "id", or a plain shell command:

  queuectl enqueue '{"id":"job1","command":"echo hello"}'
  queuectl enqueue 'echo hello'

When no id is given, one is generated. Duplicate ids are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := parseJobSpec(args[0])
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		job := &queuectl.Job{ID: spec.ID, Command: spec.Command}
		id, err := store.Enqueue(cmd.Context(), job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s\n", id)
		return nil
	},
}

func parseJobSpec(arg string) (*enqueueSpec, error) {
	var spec enqueueSpec
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		if err := json.Unmarshal([]byte(arg), &spec); err != nil {
			return nil, fmt.Errorf("invalid job JSON: %w", err)
		}
		if spec.Command == "" {
			return nil, fmt.Errorf("job JSON is missing \"command\"")
		}
		return &spec, nil
	}
	spec.Command = arg
	return &spec, nil
}
