package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"classlink/internal/config"
	"classlink/internal/logging"
	"classlink/pkg/types"
)

// cliState is filled by the root PersistentPreRunE and read by subcommands.
type cliState struct {
	configPath string
	envFile    string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:   "classlink",
		Short: "Classroom real-time client and reference broker",
		Long: `classlink joins classroom rooms and one-to-one conversations over a
topic broker, and can run a reference broker for development.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&st.configPath, "config", "c", os.Getenv("CLASSLINK_CONFIG_FILE"), "YAML config file (overrides environment)")
	root.PersistentFlags().StringVar(&st.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBrokerCmd(st), newJoinCmd(st), newChatCmd(st))
	return root
}

// load applies the dotenv file, then config precedence, then logging.
func (st *cliState) load() error {
	if err := loadEnvFile(st.envFile); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(st.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if st.verbose {
		cfg.Logging.Debug = true
	}
	st.cfg = cfg
	st.logger = logging.Init(loggingConfig(cfg.Logging, version))
	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loggingConfig(lc *config.LoggingConfig, version string) logging.Config {
	env := logging.DetectEnv()
	if lc.Env != "" {
		env = logging.ParseEnv(lc.Env)
	}
	v := lc.Version
	if v == "" {
		v = version
	}
	return logging.Config{
		Service:   lc.Service,
		Version:   v,
		Env:       env,
		Backend:   logging.Backend(lc.Backend),
		Debug:     lc.Debug,
		AddSource: lc.AddSource,
		Output:    os.Stderr,
	}
}

func identityFromConfig(ic *config.IdentityConfig) (types.Identity, error) {
	if ic.UserID == "" {
		return types.Identity{}, errors.New("user id is required (CLASSLINK_USER_ID)")
	}
	if ic.Token == "" {
		return types.Identity{}, errors.New("token is required (CLASSLINK_TOKEN)")
	}
	name := ic.DisplayName
	if name == "" {
		name = ic.UserID
	}
	return types.Identity{
		UserID:      ic.UserID,
		DisplayName: name,
		Role:        types.Role(ic.Role),
		Credential:  ic.Token,
	}, nil
}
