package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/mediatype"
	"github.com/grokify/mediasniff/pkg/rules"
)

func newRulesCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule sets",
		Long: `Inspect and validate detection rule sets.

A rule set is a YAML document declaring media types with their aliases,
parent type, extensions, filename globs and magic signatures. A custom rule
set replaces the built-in one entirely.`,
	}

	cmd.AddCommand(
		newRulesValidateCmd(),
		newRulesTypesCmd(global),
		newRulesShowCmd(global),
	)

	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rule-set file",
		Long:  `Compile a rule-set file and report the first error, naming the offending rule.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := rules.Build(rules.FileSource(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d types, %d signatures, %d globs, fingerprint %s)\n",
				args[0], repo.Len(), repo.SignatureCount(), repo.GlobCount(), repo.Fingerprint())
			return nil
		},
	}
}

type rulesSourceOptions struct {
	rulesFile string
}

func (o *rulesSourceOptions) build(global *globalOptions) (*rules.Repository, error) {
	cfg, err := global.loadConfig()
	if err != nil {
		return nil, err
	}
	return rules.Build(rulesSource(cfg, o.rulesFile, ""))
}

func newRulesTypesCmd(global *globalOptions) *cobra.Command {
	opts := &rulesSourceOptions{}

	cmd := &cobra.Command{
		Use:   "types",
		Short: "List declared media types",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.build(global)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tPARENT\tEXTENSIONS\tSIGNATURES")
			for _, mt := range repo.Types() {
				info, _ := repo.Describe(mt)
				parent := "-"
				if info.Parent != nil {
					parent = info.Parent.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", mt, parent, strings.Join(info.Extensions, " "), info.Signatures)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (default: configured or built-in rules)")
	return cmd
}

func newRulesShowCmd(global *globalOptions) *cobra.Command {
	opts := &rulesSourceOptions{}

	cmd := &cobra.Command{
		Use:   "show [type]",
		Short: "Show the built-in rule set or one media type",
		Long: `Without arguments, print the built-in rule-set document, a starting point
for a custom rule set. With a media type or alias, describe that type.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				_, err := out.Write(rules.DefaultRuleSet())
				return err
			}

			mt, err := mediatype.Parse(args[0])
			if err != nil {
				return err
			}
			repo, err := opts.build(global)
			if err != nil {
				return err
			}
			info, ok := repo.Describe(mt)
			if !ok {
				return fmt.Errorf("unknown media type %s", mt)
			}

			fmt.Fprintf(out, "Type:        %s\n", info.Type)
			for _, a := range repo.Ancestors(info.Type) {
				fmt.Fprintf(out, "Is-a:        %s\n", a)
			}
			for _, a := range info.Aliases {
				fmt.Fprintf(out, "Alias:       %s\n", a)
			}
			if len(info.Extensions) > 0 {
				fmt.Fprintf(out, "Extensions:  %s\n", strings.Join(info.Extensions, " "))
			}
			if len(info.Globs) > 0 {
				fmt.Fprintf(out, "Globs:       %s\n", strings.Join(info.Globs, " "))
			}
			fmt.Fprintf(out, "Signatures:  %d\n", info.Signatures)
			if info.Comment != "" {
				fmt.Fprintf(out, "Comment:     %s\n", info.Comment)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (default: configured or built-in rules)")
	return cmd
}
