package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/chunkrec/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overridden by
the config file and CHUNKREC_ environment variables. Redirect the output to
create a configuration template:

  chunkrec config dump > config.yaml

Environment variables use the CHUNKREC_ prefix and underscores for nesting.
Example: recording.chunk_duration -> CHUNKREC_RECORDING_CHUNK_DURATION`,
	RunE: runConfigDump,
}

const dumpHeader = `# chunkrec configuration
#
# Durations: 500ms, 5s, 1m
# Sizes: 256MiB, 1GB
`

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap flattens a config struct into nested maps keyed by mapstructure
// tag. Durations and sizes are rendered as they are written in YAML and
// fields tagged masq:"secret" are masked.
func toMap(v any) map[string]any {
	val := reflect.Indirect(reflect.ValueOf(v))
	out := make(map[string]any, val.NumField())

	for i := range val.NumField() {
		sf := val.Type().Field(i)
		key := sf.Tag.Get("mapstructure")
		if key == "" {
			key = sf.Name
		}
		out[key] = dumpValue(val.Field(i), sf.Tag.Get("masq") == "secret")
	}
	return out
}

func dumpValue(field reflect.Value, secret bool) any {
	if secret {
		if field.IsZero() {
			return ""
		}
		return "[REDACTED]"
	}
	switch v := field.Interface().(type) {
	case time.Duration:
		return v.String()
	case config.ByteSize:
		return v.String()
	}
	if field.Kind() == reflect.Struct {
		return toMap(field.Interface())
	}
	return field.Interface()
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", dumpHeader, data)
	return err
}
