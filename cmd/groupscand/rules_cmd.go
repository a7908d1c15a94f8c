package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"groupscan/internal/config"
	"groupscan/internal/core"
	"groupscan/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	rulesOwner   string
	rulesReplace bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage content rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import content rules from a YAML file",
	Example: `  groupscand rules import rules.yaml --owner alice

rules.yaml:
  rules:
    - trigger: bike for sale
      variations: [bicycle, fixie]
      min_gap: 30m
      messages:
        - text: Is it still available?
          weight: 3
        - text: Would you take an offer?
      media:
        - ref: img-42`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func init() {
	rulesImportCmd.Flags().StringVar(&rulesOwner, "owner", config.DefaultOwner, "Owner the rules belong to")
	rulesImportCmd.Flags().BoolVar(&rulesReplace, "replace", false, "Delete the owner's existing rules first")
	rulesImportCmd.Flags().String("state-dir", "", "Directory holding the database")
	rulesCmd.AddCommand(rulesImportCmd)
}

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Trigger    string         `yaml:"trigger"`
	Variations []string       `yaml:"variations"`
	Active     *bool          `yaml:"active"`
	MinGap     string         `yaml:"min_gap"`
	Position   *int           `yaml:"position"`
	Messages   []messageEntry `yaml:"messages"`
	Media      []core.Media   `yaml:"media"`
}

type messageEntry struct {
	Text   string   `yaml:"text"`
	Weight *float64 `yaml:"weight"`
	Active *bool    `yaml:"active"`
}

// parseRuleFile decodes a rule set. Omitted flags and weights default to
// active and 1; positions follow file order.
func parseRuleFile(r io.Reader) ([]core.RuleInput, error) {
	var file ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	inputs := make([]core.RuleInput, 0, len(file.Rules))
	for i, e := range file.Rules {
		in := core.RuleInput{
			Trigger:    e.Trigger,
			Variations: e.Variations,
			Active:     boolOr(e.Active, true),
			Position:   i,
		}
		if e.Position != nil {
			in.Position = *e.Position
		}
		if e.MinGap != "" {
			gap, err := time.ParseDuration(e.MinGap)
			if err != nil {
				return nil, fmt.Errorf("rule %d: min_gap: %w", i+1, err)
			}
			in.MinTimeBetweenUses = gap
		}
		for _, m := range e.Messages {
			weight := 1.0
			if m.Weight != nil {
				weight = *m.Weight
			}
			in.Messages = append(in.Messages, core.Message{Text: m.Text, Weight: weight, Active: boolOr(m.Active, true)})
		}
		for _, m := range e.Media {
			if m.Weight == 0 {
				m.Weight = 1
			}
			in.Media = append(in.Media, m)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	inputs, err := parseRuleFile(f)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	service := core.NewService(storeInst, nil, nil, logger, time.Local)
	return importRules(ctx, service, rulesOwner, inputs, rulesReplace, cmd.OutOrStdout())
}

// importRules validates every rule before writing any of them.
func importRules(ctx context.Context, service *core.Service, ownerID string, inputs []core.RuleInput, replace bool, out io.Writer) error {
	for i, in := range inputs {
		if err := core.ValidateRule(in); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}
	if replace {
		existing, err := service.ListRules(ctx, ownerID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if err := service.DeleteRule(ctx, ownerID, r.ID); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "removed %d rule(s)\n", len(existing))
	}
	for i, in := range inputs {
		rule, err := service.CreateRule(ctx, ownerID, in)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
		fmt.Fprintf(out, "imported %s %q (%d message(s))\n", rule.ID, rule.Trigger, len(rule.Messages))
	}
	return nil
}
