// Command retarget rewrites direct function calls in a linked AArch64 ELF
// image.
//
// Usage:
//
//	retarget <elf-file> <old-func> <new-func> [<old-func> <new-func> ...]
//
// Every bl instruction that calls <old-func> is re-encoded to call
// <new-func>. The exit status is 0 only if at least one call site was
// patched.
package main

import (
	"os"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pboyd/retarget"
)

var (
	verbose         bool
	useBinutils     bool
	toolchainPrefix string
)

type config struct {
	ToolchainPrefix string `env:"RETARGET_TOOLCHAIN_PREFIX"`
}

var rootCmd = &cobra.Command{
	Use:   "retarget <elf-file> <old-func> <new-func> [<old-func> <new-func> ...]",
	Short: "Redirect direct calls in a linked AArch64 ELF image",
	Long: `Rewrites every bl instruction that calls <old-func> so it calls <new-func>
instead, without relinking. Function names come in ordered pairs and each
pair is processed independently: a name that cannot be resolved skips that
pair only. The file is rewritten only if at least one call site was patched.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 3 {
			return errors.New("requires an ELF file and at least one old/new function pair")
		}
		if len(args)%2 != 1 {
			return errors.New("function names must come in old/new pairs")
		}
		return nil
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}

		var cfg config
		if err := env.Parse(&cfg); err != nil {
			return err
		}
		if toolchainPrefix == "" {
			toolchainPrefix = cfg.ToolchainPrefix
		}

		path := args[0]
		replacements := make([]retarget.Replacement, 0, (len(args)-1)/2)
		for i := 1; i < len(args); i += 2 {
			replacements = append(replacements, retarget.Replacement{Old: args[i], New: args[i+1]})
		}

		var inspector retarget.Inspector
		if useBinutils || toolchainPrefix != "" {
			inspector = retarget.NewToolchainInspector(path, toolchainPrefix)
		} else {
			elfInspector, err := retarget.OpenELF(path)
			if err != nil {
				return errors.Wrapf(err, "%s does not appear to be a valid ELF", path)
			}
			defer elfInspector.Close()
			inspector = elfInspector
		}

		result, err := retarget.New(inspector).PatchFile(path, replacements)
		if err != nil {
			return err
		}

		log.Infof("successfully patched %d call site(s)", result.Patched)
		return nil
	},
}

func init() {
	log.SetHandler(clihander.Default)

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
	rootCmd.Flags().BoolVar(&useBinutils, "binutils", false, "inspect the image with external binutils instead of the built-in ELF reader")
	rootCmd.Flags().StringVar(&toolchainPrefix, "toolchain-prefix", "", "binutils tool name prefix, e.g. aarch64-linux-gnu- (implies --binutils)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
