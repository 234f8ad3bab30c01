package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/bisect-farm/pkg/agent"
	tlsutil "github.com/psantana5/bisect-farm/pkg/tls"
)

var (
	brokerURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
	insecure     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "bisectctl",
	Short:         "CLI for the bisection farm",
	Long:          `bisectctl submits bisection jobs to the broker and inspects their state and logs.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bisectctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", "", "broker URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or BISECT_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&caFile, "tls-ca", "", "CA bundle for an https broker")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip broker certificate verification")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".bisectctl"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BISECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	if brokerURL == "" {
		brokerURL = viper.GetString("broker-url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api-key")
	}
	if caFile == "" {
		caFile = viper.GetString("tls-ca")
	}
	if brokerURL == "" {
		brokerURL = "http://localhost:8080"
	}
}

// newClient builds a broker client from the global flags
func newClient() (*agent.Client, error) {
	url := strings.TrimRight(brokerURL, "/")
	var client *agent.Client
	if strings.HasPrefix(url, "https://") {
		tlsConfig, err := tlsutil.LoadClientConfig(tlsutil.ClientOptions{
			CAFile:             caFile,
			InsecureSkipVerify: insecure,
		})
		if err != nil {
			return nil, err
		}
		client = agent.NewClientWithTLS(url, tlsConfig)
	} else {
		client = agent.NewClient(url)
	}
	if apiKey != "" {
		client.SetAPIKey(apiKey)
	}
	return client, nil
}

// structuredOutput writes v as JSON or YAML and reports whether it did
func structuredOutput(w io.Writer, v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// round-trip through JSON so field names match the API
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(doc)
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q", outputFormat)
}
