package cli

import (
	"io/fs"
	"strings"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
)

var (
	cfgFile    string
	envFile    string
	appVersion string // set in Execute, reported by serve and /openapi.json
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "Issue, validate and revoke API keys",
		Long: `keygate: a small credential service for API keys.

Keys are random 256-bit secrets shown once at creation and stored only as
SHA-256 digests. Manage them over HTTP with the admin secret, or directly
against the key database with the key subcommands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keygate.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite key database (default: ~/.keygate)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

// initConfig loads the dotenv file, then the config file, then binds the
// KEYGATE_ environment and the command's flags. A missing dotenv file or
// default config file is not an error.
func initConfig(cmd *cobra.Command) error {
	viper.Reset()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "load %s", envFile)
		}
	}

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keygate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keygate")
	}

	viper.SetEnvPrefix("KEYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
	}

	viper.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir"))
	return bindFlags(cmd)
}

// bindFlags binds the flags a command declares to viper keys, recorded in
// the flag's "viper" annotation.
func bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || err != nil {
			return
		}
		err = viper.BindPFlag(keys[0], f)
	})
	return err
}

const viperKeyAnnotation = "viper"

// bindFlag records that flag name of cmd overrides viper key.
func bindFlag(cmd *cobra.Command, name, key string) {
	cmd.Flags().SetAnnotation(name, viperKeyAnnotation, []string{key})
}

func setDefaults() {
	def := config.DefaultYAMLConfig()
	viper.SetDefault("server.host", def.Server.Host)
	viper.SetDefault("server.port", def.Server.Port)
	viper.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	viper.SetDefault("server.cors_origins", def.Server.CORSOrigins)
	viper.SetDefault("server.rate_limit", def.Server.RateLimit)
	viper.SetDefault("store.driver", def.Store.Driver)
	viper.SetDefault("store.dsn", "")
	viper.SetDefault("store.max_open_conns", 0)
	viper.SetDefault("auth.admin_secret", "")
	viper.SetDefault("log.level", def.Log.Level)
	viper.SetDefault("log.format", def.Log.Format)
	viper.SetDefault("data_dir", "")
}
