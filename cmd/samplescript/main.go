// Command samplescript is a reference BaseScript-conforming child
// process. It is what an operator points the orchestrator's standard or
// external root at to exercise the queue end to end: it accepts a
// wait_time (seconds to spend between its "start" and "end"
// checkpoints) and an optional fail_run flag that makes it return a
// failure instead of completing normally.
//
// Usage:
//
//	samplescript <index> [--brokers ...] [--client-id ...]
//	samplescript --schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/spf13/cobra"

	"scriptqueue/internal/basescript"
	"scriptqueue/internal/remote/mqttbus"
)

var testScriptSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"wait_time": {Type: "number", Default: 0.0},
		"fail_run":  {Type: "boolean", Default: false},
	},
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "samplescript [index]",
		Short:        "Reference BaseScript child process",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         runSampleScript,
	}
	rootCmd.Flags().Bool("schema", false, "print the config JSON schema to stdout and exit")
	rootCmd.Flags().StringSlice("brokers", envSlice("SCRIPTQUEUE_BROKERS"), "MQTT broker URLs (or set SCRIPTQUEUE_BROKERS)")
	rootCmd.Flags().String("client-id", os.Getenv("SCRIPTQUEUE_CLIENT_ID"), "MQTT client id (or set SCRIPTQUEUE_CLIENT_ID)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(basescript.ExitInternal)
	}
}

func runSampleScript(cmd *cobra.Command, args []string) error {
	if schemaOnly, _ := cmd.Flags().GetBool("schema"); schemaOnly {
		return printSchema(cmd.OutOrStdout())
	}

	if len(args) != 1 {
		return fmt.Errorf("samplescript: expected exactly one positional argument, the SAL index")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("samplescript: bad index %q: %w", args[0], err)
	}

	brokers, _ := cmd.Flags().GetStringSlice("brokers")
	if len(brokers) == 0 {
		return fmt.Errorf("samplescript: no brokers configured; a real child process needs --brokers or SCRIPTQUEUE_BROKERS (an in-process local bus cannot cross a process boundary)")
	}
	clientID, _ := cmd.Flags().GetString("client-id")
	if clientID == "" {
		clientID = fmt.Sprintf("samplescript-%d", index)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus, err := mqttbus.Connect(mqttbus.Options{Brokers: brokers, ClientID: clientID, Logger: logger})
	if err != nil {
		return fmt.Errorf("samplescript: connect: %w", err)
	}
	defer func() { _ = bus.Close() }()

	code := basescript.Run(context.Background(), index, bus, &testScript{}, basescript.Options{
		ClassName:   "TestScript",
		Description: "reference script exercising wait/checkpoint/failure behavior",
		Schema:      testScriptSchema,
		Logger:      logger,
	})
	os.Exit(code)
	return nil
}

func printSchema(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(testScriptSchema)
}

func envSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return []string{v}
}

// testScript implements basescript.Script. Configure reads wait_time and
// fail_run; Execute checkpoints "start", sleeps wait_time, then either
// fails or checkpoints "end" and returns.
type testScript struct {
	waitTime time.Duration
	failRun  bool
}

func (s *testScript) Configure(cfg map[string]any) (basescript.Metadata, error) {
	if wt, ok := cfg["wait_time"].(float64); ok {
		s.waitTime = time.Duration(wt * float64(time.Second))
	}
	if fr, ok := cfg["fail_run"].(bool); ok {
		s.failRun = fr
	}
	return basescript.Metadata{
		CoordinateSystem: "none",
		RotationSystem:   "none",
		Duration:         s.waitTime,
	}, nil
}

func (s *testScript) Execute(ctx context.Context, r *basescript.Runner) error {
	if err := r.Checkpoint(ctx, "start"); err != nil {
		return err
	}
	if s.waitTime > 0 {
		select {
		case <-time.After(s.waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failRun {
		return fmt.Errorf("samplescript: fail_run was set")
	}
	return r.Checkpoint(ctx, "end")
}

func (s *testScript) Cleanup() {}
