package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/smallsimplesuper/macplus/internal/models"
)

// NewSettingsCmd prints the persisted settings row, or updates one or more
// fields when flags are given. Grounded on the teacher's config subcommands
// reading through middleware.Get[*models.Config] and writing back via a
// single persist call.
func NewSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update engine settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}

			s, err := orc.GetSettings(cmd.Context())
			if err != nil {
				return err
			}

			changed := false
			if importPath, _ := cmd.Flags().GetString("import"); importPath != "" {
				imported, err := loadSettingsYAML(importPath)
				if err != nil {
					return err
				}
				s = imported
				changed = true
			}
			if interval, _ := cmd.Flags().GetInt("check-interval"); cmd.Flags().Changed("check-interval") {
				s.CheckIntervalMin = interval
				changed = true
			}
			if cmd.Flags().Changed("auto-check") {
				s.AutoCheckOnLaunch, _ = cmd.Flags().GetBool("auto-check")
				changed = true
			}
			if cmd.Flags().Changed("launch-at-login") {
				s.LaunchAtLogin, _ = cmd.Flags().GetBool("launch-at-login")
				changed = true
			}
			if theme, _ := cmd.Flags().GetString("theme"); cmd.Flags().Changed("theme") {
				s.Theme = theme
				changed = true
			}
			if ignore, _ := cmd.Flags().GetString("ignore"); ignore != "" {
				s.IgnoredBundleIDs = appendUnique(s.IgnoredBundleIDs, ignore)
				changed = true
			}
			if unignore, _ := cmd.Flags().GetString("unignore"); unignore != "" {
				s.IgnoredBundleIDs = removeString(s.IgnoredBundleIDs, unignore)
				changed = true
			}

			if changed {
				if err := orc.UpdateSettings(cmd.Context(), s); err != nil {
					return err
				}
			}

			if exportPath, _ := cmd.Flags().GetString("export"); exportPath != "" {
				if err := saveSettingsYAML(exportPath, s); err != nil {
					return err
				}
				fmt.Printf("settings written to %s\n", exportPath)
				return nil
			}

			printSettings(s)
			return nil
		},
	}

	cmd.Flags().Int("check-interval", 0, "minutes between automatic update checks")
	cmd.Flags().Bool("auto-check", false, "check for updates on launch")
	cmd.Flags().Bool("launch-at-login", false, "start the engine at login")
	cmd.Flags().String("theme", "", "UI theme name")
	cmd.Flags().String("ignore", "", "bundle id to add to the ignore list")
	cmd.Flags().String("unignore", "", "bundle id to remove from the ignore list")
	cmd.Flags().String("export", "", "write the resulting settings to a YAML file instead of printing them")
	cmd.Flags().String("import", "", "replace settings with the contents of a YAML file before applying any other flags")
	return cmd
}

// loadSettingsYAML reads a Settings row from a YAML file, the on-disk format
// a user edits by hand to stage a settings change, grounded on the
// teacher's globalconfig.LoadPersistentConfig (read whole file, yaml.Unmarshal).
func loadSettingsYAML(path string) (models.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Settings{}, fmt.Errorf("read %s: %w", path, err)
	}
	var s models.Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return models.Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// saveSettingsYAML writes s to path as YAML, the export half of the pair,
// grounded on the teacher's globalconfig.PersistentConfig.Save
// (yaml.Marshal, os.WriteFile with 0o644).
func saveSettingsYAML(path string, s models.Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func printSettings(s models.Settings) {
	fmt.Printf("scan roots:        %s\n", formatBundleList(s.ScanRoots))
	fmt.Printf("scan depth:        %d\n", s.ScanDepth)
	fmt.Printf("check interval:    %d minutes\n", s.CheckIntervalMin)
	fmt.Printf("auto check:        %t\n", s.AutoCheckOnLaunch)
	fmt.Printf("launch at login:   %t\n", s.LaunchAtLogin)
	fmt.Printf("theme:             %s\n", s.Theme)
	fmt.Printf("notify on found:   %t\n", s.Notifications.UpdatesFound)
	fmt.Printf("notify on done:    %t\n", s.Notifications.UpdatesCompleted)
	fmt.Printf("notify on errors:  %t\n", s.Notifications.Errors)
	fmt.Printf("ignored bundles:   %s\n", formatBundleList(s.IgnoredBundleIDs))
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

func formatBundleList(list []string) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(list, ", ")
}
