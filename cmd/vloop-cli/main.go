// vloop-cli drives the pipeline locally: it validates configuration files
// and runs scripted turns against mock providers without any network
// backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tiger/voiceloop/internal/config"
	"github.com/tiger/voiceloop/internal/runtime/orchestrator"
	"github.com/tiger/voiceloop/internal/runtime/provider/contracts"
	"github.com/tiger/voiceloop/internal/runtime/provider/registry"
	"github.com/tiger/voiceloop/internal/runtime/session"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vloop-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("a command is required")
	}
	switch args[0] {
	case "check-config":
		return runCheckConfig(args[1:], stdout)
	case "run":
		return runScriptedTurn(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func printUsage(stdout io.Writer) {
	fmt.Fprintln(stdout, "usage: vloop-cli <command>")
	fmt.Fprintln(stdout, "  check-config -config <path>   validate a pipeline configuration file")
	fmt.Fprintln(stdout, "  run -text <utterance>         run one scripted turn against mock providers")
}

func runCheckConfig(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("check-config", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", "vloop.yaml", "path to the pipeline configuration")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "config ok: %d providers, listen %s\n", len(cfg.Providers), cfg.Listen.Addr)
	return nil
}

func runScriptedTurn(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetOutput(stdout)
	text := flags.String("text", "Tell me something interesting.", "utterance for the scripted turn")
	timeout := flags.Duration("timeout", 10*time.Second, "turn timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}

	reg, err := mockRegistry()
	if err != nil {
		return err
	}
	store, err := session.NewStore("local", session.DefaultHistoryLimit, reg)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Config{Registry: reg, Store: store})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := orch.RunTurn(ctx, orchestrator.Input{
		SessionID: "local",
		Modality:  orchestrator.ModalityText,
		Text:      *text,
	}, func(chunk contracts.Chunk) error {
		if chunk.Stage == contracts.StageTTS && len(chunk.Audio) > 0 {
			fmt.Fprintf(stdout, "audio sentence=%d seq=%d bytes=%d\n", chunk.Sentence, chunk.Seq, len(chunk.Audio))
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "turn %s %s in %s\n", result.TurnID, result.Status, result.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "reply: %s\n", result.Reply)
	for _, attempt := range result.Attempts {
		fmt.Fprintf(stdout, "attempt stage=%s provider=%s outcome=%s elapsed=%s\n",
			attempt.Stage, attempt.ProviderID, attempt.Outcome, attempt.Elapsed.Round(time.Millisecond))
	}
	return nil
}

// mockRegistry registers scripted providers covering all three stages.
func mockRegistry() (*registry.Registry, error) {
	reg := registry.New()
	sla := registry.SLA{Target: 100 * time.Millisecond, Critical: 300 * time.Millisecond, Blocking: time.Second}

	providers := []struct {
		descriptor registry.Descriptor
		adapter    contracts.Adapter
	}{
		{
			descriptor: registry.Descriptor{ProviderID: "stt-mock", Stage: contracts.StageSTT, SLA: sla, Priority: 1},
			adapter: contracts.StaticAdapter{
				ID:     "stt-mock",
				Kind:   contracts.StageSTT,
				Script: []contracts.ScriptStep{{Text: "scripted transcript."}},
				Result: contracts.Outcome{Class: contracts.OutcomeSuccess},
			},
		},
		{
			descriptor: registry.Descriptor{ProviderID: "llm-mock", Stage: contracts.StageLLM, SLA: sla, Priority: 1},
			adapter: contracts.StaticAdapter{
				ID:   "llm-mock",
				Kind: contracts.StageLLM,
				Script: []contracts.ScriptStep{
					{Text: "Here is the first scripted sentence. "},
					{Text: "And here is the second one."},
				},
				Result: contracts.Outcome{Class: contracts.OutcomeSuccess},
			},
		},
		{
			descriptor: registry.Descriptor{ProviderID: "tts-mock", Stage: contracts.StageTTS, SLA: sla, Priority: 1},
			adapter: contracts.StaticAdapter{
				ID:   "tts-mock",
				Kind: contracts.StageTTS,
				InvokeFn: func(ctx context.Context, req contracts.Request, emit contracts.Emit) (contracts.Outcome, error) {
					chunk := contracts.Chunk{TurnID: req.TurnID, Stage: contracts.StageTTS, Audio: []byte(req.Text), Final: true}
					if err := emit(chunk); err != nil {
						return contracts.CtxOutcome(ctx), nil
					}
					return contracts.Outcome{Class: contracts.OutcomeSuccess}, nil
				},
			},
		},
	}
	for _, p := range providers {
		if err := reg.Register(p.descriptor, p.adapter); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
