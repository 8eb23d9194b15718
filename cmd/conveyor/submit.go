package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/pipeline"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit tasks and pipelines",
}

var (
	submitSubject    string
	submitPriority   int
	submitMaxRetries int
	submitPayload    string
	submitPayloadFn  string
	submitTemplates  string
)

func readPayload() ([]byte, error) {
	if submitPayloadFn != "" {
		data, err := os.ReadFile(submitPayloadFn)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return data, nil
	}
	if submitPayload != "" {
		return []byte(submitPayload), nil
	}
	return nil, nil
}

var submitTaskCmd = &cobra.Command{
	Use:   "task <kind>",
	Short: "Submit one standalone task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload()
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		maxRetries := submitMaxRetries
		if !cmd.Flags().Changed("max-retries") {
			maxRetries = cfg.MaxRetriesDefault
		}
		id, err := s.SubmitTask(cmd.Context(), &types.TaskDraft{
			Kind:       args[0],
			SubjectRef: submitSubject,
			Priority:   submitPriority,
			MaxRetries: maxRetries,
			Weight:     1,
			Payload:    payload,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]any{"task_id": id})
		}
		fmt.Printf("Task %d queued\n", id)
		return nil
	},
}

var submitPipelineCmd = &cobra.Command{
	Use:   "pipeline <template_name>",
	Short: "Instantiate a pipeline template for one subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		templatesPath := submitTemplates
		if templatesPath == "" {
			templatesPath = cfg.TemplatesPath
		}
		if templatesPath == "" {
			return fmt.Errorf("no templates file (set --templates or templates_path): %w", store.ErrInvalid)
		}
		lib, err := pipeline.LoadLibrary(templatesPath)
		if err != nil {
			return err
		}
		tmpl, err := lib.Get(args[0])
		if err != nil {
			return err
		}
		payload, err := readPayload()
		if err != nil {
			return err
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		builder := pipeline.NewBuilder(s, cfg.MaxRetriesDefault)
		sub := pipeline.Submission{SubjectRef: submitSubject, Priority: submitPriority}
		if payload != nil {
			// A payload given on the command line goes to every root task.
			sub.Payloads = make(map[string][]byte)
			for _, spec := range tmpl.Tasks {
				if len(spec.DependsOn) == 0 {
					sub.Payloads[spec.Kind] = payload
				}
			}
		}
		rcpt, err := builder.Submit(cmd.Context(), tmpl, sub)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(rcpt)
		}
		fmt.Printf("Pipeline %d queued with %d task(s)\n", rcpt.PipelineID, len(rcpt.TaskIDs))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{submitTaskCmd, submitPipelineCmd} {
		c.Flags().StringVar(&submitSubject, "subject", "", "subject reference (document id)")
		c.Flags().IntVar(&submitPriority, "priority", 0, "scheduling priority (higher first)")
		c.Flags().StringVar(&submitPayload, "payload", "", "inline payload")
		c.Flags().StringVar(&submitPayloadFn, "payload-file", "", "read payload from file")
	}
	submitTaskCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "transient-failure retry budget")
	submitPipelineCmd.Flags().StringVar(&submitTemplates, "templates", "", "pipeline templates file")

	submitCmd.AddCommand(submitTaskCmd)
	submitCmd.AddCommand(submitPipelineCmd)
}
