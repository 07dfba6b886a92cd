package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/config"
	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/seed"
	"github.com/ent0n29/haven/internal/store"
)

var (
	classifyLevel   string
	classifyBlocked []string

	promptSeedFile string
	promptPersona  string
	promptMinor    string
	promptLevel    string
	promptTopics   []string

	seedFile string
)

var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Screen a message the way the chat pipeline would",
	Long: `Runs the safety classifier over the given text and prints the result as
JSON, together with the reply a flagged message would receive.

Example:
  haven classify --level strict --block fortnite "can we play fortnite?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Preview the instructions sent ahead of a conversation",
	Long: `Renders a persona and a minor's guard rules into the instruction text
the completion provider receives. Without --seed the default persona and the
rules given by --level and --topic are used.`,
	Args: cobra.NoArgs,
	RunE: runPrompt,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a YAML seed file into the configured store",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyLevel, "level", string(safety.FilterModerate), "filter level (strict|moderate|basic)")
	classifyCmd.Flags().StringSliceVar(&classifyBlocked, "block", nil, "blocked keywords (repeatable)")

	promptCmd.Flags().StringVar(&promptSeedFile, "seed", "", "seed file to read personas and guard rules from")
	promptCmd.Flags().StringVar(&promptPersona, "persona", "", "persona id (defaults to the built-in persona)")
	promptCmd.Flags().StringVar(&promptMinor, "minor", "preview", "minor id whose guard rules apply")
	promptCmd.Flags().StringVar(&promptLevel, "level", string(safety.FilterModerate), "filter level when no seed rules exist")
	promptCmd.Flags().StringSliceVar(&promptTopics, "topic", nil, "allowed topics when no seed rules exist")

	seedCmd.Flags().StringVar(&seedFile, "file", "", "seed file path (defaults to HAVEN_SEED_FILE)")
}

type classifyOutput struct {
	safety.Result
	Reply string `json:"reply,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	level, err := safety.ParseFilterLevel(classifyLevel)
	if err != nil {
		return err
	}
	rules := safety.GuardRules{
		MinorID:         "cli",
		FilterLevel:     level,
		BlockedKeywords: classifyBlocked,
	}.Normalize()

	res := safety.Classify(strings.Join(args, " "), rules)
	out := classifyOutput{Result: res}
	if !res.Safe {
		out.Reply = safety.ResponseFor(res.Category)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runPrompt(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st := store.NewInMemoryStore()
	defer st.Close()

	if promptSeedFile != "" {
		f, err := seed.Load(promptSeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, st, f); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	p := persona.Default
	if promptPersona != "" {
		found, err := st.Persona(ctx, promptPersona)
		if err != nil {
			return fmt.Errorf("persona %s: %w", promptPersona, err)
		}
		p = found
	}

	rules, err := st.GuardRules(ctx, promptMinor)
	switch {
	case errors.Is(err, store.ErrNotFound):
		level, err := safety.ParseFilterLevel(promptLevel)
		if err != nil {
			return err
		}
		rules = safety.GuardRules{MinorID: promptMinor, FilterLevel: level, AllowedTopics: promptTopics}
	case err != nil:
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), persona.Build(p, rules))
	return err
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	path := seedFile
	if path == "" {
		path = cfg.SeedFile
	}
	if path == "" {
		return errors.New("no seed file: pass --file or set HAVEN_SEED_FILE")
	}

	f, err := seed.Load(path)
	if err != nil {
		return err
	}
	st, mode, err := store.NewStore(cmd.Context(), cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer st.Close()

	sum, err := seed.Apply(cmd.Context(), st, f)
	if err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	logger.Info("seed applied",
		zap.String("file", path),
		zap.String("store_mode", mode),
		zap.Int("links", sum.Links),
		zap.Int("guard_rules", sum.GuardRules),
		zap.Int("personas", sum.Personas),
		zap.Int("conversations", sum.Conversations),
	)
	if mode == "in-memory" {
		logger.Warn("seed written to an in-memory store and discarded on exit; set DATABASE_URL or SQLITE_PATH")
	}
	return nil
}
