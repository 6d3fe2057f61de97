package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/huhridge/listenbrainz-server/config"
)

// cfg ist die aufgelöste Konfiguration aller Subcommands. Reihenfolge:
// env.yaml/env.yml, .env, Umgebungsvariablen, zuletzt die CLI-Flags.
var cfg *config.EnvConfig

var rootCmd = &cobra.Command{
	Use:               filepath.Base(os.Args[0]),
	Short:             "Create, publish and transfer ListenBrainz data dumps",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command. Errors have already been printed by
// cobra, so only the exit code is left to set.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default: env.yaml or env.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "Set log level (DEBUG, INFO, WARN, ERROR)")
}

func initConfig(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")

	loaded, err := loadEnvYaml(cfgFile)
	if err != nil {
		// Eine explizit benannte Datei muss ladbar sein; die Suche nach
		// env.yaml/env.yml darf leer ausgehen
		if cfgFile != "" {
			return err
		}
		fmt.Println("Konfigurationsdatei konnte nicht geladen werden:", err)
		loaded = &config.EnvConfig{}
	}
	cfg = loaded

	// .env laden (optional)
	_ = godotenv.Load()

	// Defaults setzen
	cfg.SetDefaults()

	// Umgebungsvariablen laden (überschreibt YAML und .env)
	if err := cfg.LoadFromEnvironment(); err != nil {
		fmt.Println("Fehler beim Laden der Umgebungsvariablen:", err)
	}

	// CLI-Parameter anwenden (höchste Priorität)
	applyFlagOverrides(cmd.Flags())

	setupLogger(cfg)

	return cfg.Validate()
}

// applyFlagOverrides wendet gesetzte CLI-Flags auf die Konfiguration an.
// Nur explizit gesetzte Flags überschreiben, Flag-Defaults nicht.
func applyFlagOverrides(flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Log.Level = f.Value.String()
		}
	})
}

// loadEnvYaml lädt die Konfigurationsdatei. Ohne expliziten Pfad werden
// env.yaml und env.yml im Arbeitsverzeichnis gesucht; sind beide vorhanden,
// ist das ein Fehler.
func loadEnvYaml(path string) (*config.EnvConfig, error) {
	configFile := path
	if configFile == "" {
		yamlExists := fileExists("env.yaml")
		ymlExists := fileExists("env.yml")

		if yamlExists && ymlExists {
			return nil, fmt.Errorf("konflikt: sowohl env.yaml als auch env.yml sind vorhanden, bitte verwende nur eine der beiden Dateien")
		}

		if yamlExists {
			configFile = "env.yaml"
		} else if ymlExists {
			configFile = "env.yml"
		} else {
			return nil, fmt.Errorf("keine Konfigurationsdatei gefunden (env.yaml oder env.yml)")
		}
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("fehler beim Lesen von %s: %w", configFile, err)
	}

	var envCfg config.EnvConfig
	if err := yaml.Unmarshal(data, &envCfg); err != nil {
		return nil, fmt.Errorf("fehler beim Parsen von %s: %w", configFile, err)
	}

	return &envCfg, nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

func setupLogger(cfg *config.EnvConfig) {
	levelStr := cfg.GetLogLevel()
	var lvl slog.Level
	switch levelStr {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
